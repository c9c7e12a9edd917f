package progress

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestNewSnapshot_Percent(t *testing.T) {
	tests := []struct {
		sent, failed, total int
		want                float64
	}{
		{0, 0, 0, 0},
		{50, 0, 100, 50},
		{1, 0, 3, 33.3},
		{2, 1, 3, 100},
		{999, 1, 1000, 100},
		{5, 2, 1000, 0.7},
	}
	for _, tt := range tests {
		s := NewSnapshot(tt.sent, tt.failed, tt.total, "sending")
		if s.Percent != tt.want {
			t.Errorf("NewSnapshot(%d,%d,%d).Percent = %v, want %v",
				tt.sent, tt.failed, tt.total, s.Percent, tt.want)
		}
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := uuid.New()

	if _, ok, err := store.Get(ctx, id); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	want := NewSnapshot(10, 2, 100, "sending")
	if err := store.Set(ctx, id, want); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Sent != 10 || got.Failed != 2 || got.Total != 100 || got.Status != "sending" {
		t.Fatalf("got %+v", got)
	}
}
