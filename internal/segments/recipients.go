package segments

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mindlog/broadcast-service/internal/models"
)

// SegmentGetter is the segment lookup the audience adapter needs.
type SegmentGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Segment, error)
}

// BroadcastAudience turns a broadcast row into its recipient list. It
// is the production RecipientResolver of the delivery executor.
type BroadcastAudience struct {
	segments SegmentGetter
	resolver *Resolver
}

func NewBroadcastAudience(segments SegmentGetter, resolver *Resolver) *BroadcastAudience {
	return &BroadcastAudience{segments: segments, resolver: resolver}
}

func (a *BroadcastAudience) Recipients(ctx context.Context, b *models.Broadcast) ([]int64, error) {
	t := Targeting{Audience: b.TargetAudience}
	if b.SegmentID != nil {
		s, err := a.segments.GetByID(ctx, *b.SegmentID)
		if err != nil {
			return nil, fmt.Errorf("load segment %s: %w", b.SegmentID, err)
		}
		t.Segment = s
	}
	return a.resolver.Resolve(ctx, t)
}
