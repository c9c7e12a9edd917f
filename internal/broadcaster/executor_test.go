package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mindlog/broadcast-service/internal/models"
	"github.com/mindlog/broadcast-service/internal/progress"
	"github.com/mindlog/broadcast-service/internal/queue"
	"github.com/mindlog/broadcast-service/internal/telegram"
)

// fakeStore is an in-memory Store with a controllable status flip, so
// tests can drive cooperative cancellation.
type fakeStore struct {
	mu          sync.Mutex
	b           models.Broadcast
	statusHook  func() string // overrides GetStatus when non-nil
	checkpoints int
	finishes    int
	finishFail  int // fail this many leading Finish calls
}

func newFakeStore(status string) *fakeStore {
	return &fakeStore{b: models.Broadcast{
		ID:          uuid.New(),
		Title:       "test broadcast",
		MessageText: "<b>hello</b> there!",
		Status:      status,
	}}
}

func (f *fakeStore) Create(_ context.Context, b *models.Broadcast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.b = *b
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.b.ID {
		return nil, models.ErrNotFound
	}
	b := f.b
	return &b, nil
}

func (f *fakeStore) List(context.Context, int, int) ([]models.Broadcast, error) {
	return nil, nil
}

func (f *fakeStore) GetStatus(_ context.Context, id uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusHook != nil {
		if st := f.statusHook(); st != "" {
			return st, nil
		}
	}
	return f.b.Status, nil
}

func (f *fakeStore) MarkScheduled(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.b.Launchable() {
		return false, nil
	}
	f.b.Status = models.BroadcastStatusScheduled
	return true, nil
}

func (f *fakeStore) RequestCancel(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.b.Cancellable() {
		return false, nil
	}
	f.b.Status = models.BroadcastStatusCancelled
	return true, nil
}

func (f *fakeStore) MarkSending(_ context.Context, id uuid.UUID, total int, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.b.Launchable() {
		return false, nil
	}
	f.b.Status = models.BroadcastStatusSending
	f.b.TotalRecipients = total
	f.b.StartedAt = &startedAt
	f.b.SentCount = 0
	f.b.FailedCount = 0
	return true, nil
}

func (f *fakeStore) Checkpoint(_ context.Context, id uuid.UUID, sent, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints++
	f.b.SentCount = sent
	f.b.FailedCount = failed
	return nil
}

func (f *fakeStore) Finish(_ context.Context, id uuid.UUID, status string, sent, failed int, lastError *string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishFail > 0 {
		f.finishFail--
		return errors.New("finish write failed")
	}
	f.finishes++
	f.b.Status = status
	f.b.SentCount = sent
	f.b.FailedCount = failed
	f.b.LastError = lastError
	f.b.CompletedAt = &completedAt
	return nil
}

func (f *fakeStore) ListDue(context.Context, time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeStore) snapshot() models.Broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.b
}

type fakeResolver struct {
	ids      []int64
	failures int // fail this many leading calls
	calls    int
}

func (r *fakeResolver) Recipients(context.Context, *models.Broadcast) ([]int64, error) {
	r.calls++
	if r.calls <= r.failures {
		return nil, fmt.Errorf("recipient store unavailable (call %d)", r.calls)
	}
	return r.ids, nil
}

type fakeSender struct {
	mu      sync.Mutex
	reqs    []telegram.SendRequest
	respond func(req telegram.SendRequest) (telegram.SendResult, error)
}

func (s *fakeSender) Send(_ context.Context, req telegram.SendRequest) (telegram.SendResult, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		return respond(req)
	}
	return telegram.SendResult{OK: true}, nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *fakeSender) requests() []telegram.SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]telegram.SendRequest, len(s.reqs))
	copy(out, s.reqs)
	return out
}

type countingLimiter struct {
	mu       sync.Mutex
	acquires int
}

func (l *countingLimiter) Acquire(context.Context) error {
	l.mu.Lock()
	l.acquires++
	l.mu.Unlock()
	return nil
}

// recordingProgress wraps the memory store and keeps every snapshot,
// so tests can assert counter monotonicity.
type recordingProgress struct {
	inner *progress.MemoryStore
	mu    sync.Mutex
	snaps []progress.Snapshot
}

func newRecordingProgress() *recordingProgress {
	return &recordingProgress{inner: progress.NewMemoryStore()}
}

func (p *recordingProgress) Set(ctx context.Context, id uuid.UUID, s progress.Snapshot) error {
	p.mu.Lock()
	p.snaps = append(p.snaps, s)
	p.mu.Unlock()
	return p.inner.Set(ctx, id, s)
}

func (p *recordingProgress) Get(ctx context.Context, id uuid.UUID) (progress.Snapshot, bool, error) {
	return p.inner.Get(ctx, id)
}

type testEnv struct {
	svc      *Service
	store    *fakeStore
	resolver *fakeResolver
	sender   *fakeSender
	limiter  *countingLimiter
	progress *recordingProgress
	queue    *queue.MemoryQueue
}

func newTestEnv(store *fakeStore, resolver *fakeResolver, sender *fakeSender, opts Options) *testEnv {
	if opts.BotToken == "" {
		opts.BotToken = "test-token"
	}
	env := &testEnv{
		store:    store,
		resolver: resolver,
		sender:   sender,
		limiter:  &countingLimiter{},
		progress: newRecordingProgress(),
		queue:    queue.NewMemoryQueue(16),
	}
	env.svc = New(store, resolver, sender, env.limiter, env.progress, nil, env.queue, opts, zap.NewNop())
	return env
}

func seq(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(1000 + i)
	}
	return out
}

func TestRun_ZeroRecipientsSkipsLimiter(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusScheduled)
	env := newTestEnv(store, &fakeResolver{}, &fakeSender{}, Options{})

	if err := env.svc.Run(context.Background(), store.b.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	b := store.snapshot()
	if b.Status != models.BroadcastStatusSent {
		t.Fatalf("status = %s, want sent", b.Status)
	}
	if b.TotalRecipients != 0 || b.SentCount != 0 || b.FailedCount != 0 {
		t.Fatalf("counters: %+v", b)
	}
	if b.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}
	if env.limiter.acquires != 0 {
		t.Fatalf("limiter touched %d times for empty audience", env.limiter.acquires)
	}
	if env.sender.count() != 0 {
		t.Fatal("no sends expected")
	}
}

func TestRun_HappyPath(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusScheduled)
	recipients := seq(25)
	env := newTestEnv(store, &fakeResolver{ids: recipients}, &fakeSender{}, Options{})

	if err := env.svc.Run(context.Background(), store.b.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	b := store.snapshot()
	if b.Status != models.BroadcastStatusSent {
		t.Fatalf("status = %s", b.Status)
	}
	if b.SentCount != 25 || b.FailedCount != 0 || b.TotalRecipients != 25 {
		t.Fatalf("counters: sent=%d failed=%d total=%d", b.SentCount, b.FailedCount, b.TotalRecipients)
	}

	// Attempted in resolver order.
	reqs := env.sender.requests()
	for i, req := range reqs {
		if req.ChatID != recipients[i] {
			t.Fatalf("send %d went to %d, want %d", i, req.ChatID, recipients[i])
		}
	}
	if env.limiter.acquires != 25 {
		t.Fatalf("limiter acquires = %d", env.limiter.acquires)
	}

	// Terminal snapshot matches the durable record exactly.
	snap, ok, _ := env.progress.Get(context.Background(), b.ID)
	if !ok || snap.Status != models.BroadcastStatusSent || snap.Sent != 25 || snap.Failed != 0 || snap.Percent != 100 {
		t.Fatalf("final snapshot: %+v ok=%v", snap, ok)
	}
}

func TestRun_MissingTokenFailsBeforeAnySend(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusScheduled)
	resolver := &fakeResolver{ids: seq(5)}
	env := newTestEnv(store, resolver, &fakeSender{}, Options{})
	env.svc.opts.BotToken = ""

	if err := env.svc.Run(context.Background(), store.b.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	b := store.snapshot()
	if b.Status != models.BroadcastStatusFailed {
		t.Fatalf("status = %s, want failed", b.Status)
	}
	if b.LastError == nil || !strings.Contains(*b.LastError, "token") {
		t.Fatalf("last_error = %v", b.LastError)
	}
	if resolver.calls != 0 || env.sender.count() != 0 || env.limiter.acquires != 0 {
		t.Fatal("nothing should run without a credential")
	}
}

func TestRun_CooperativeCancellation(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusScheduled)
	sender := &fakeSender{}

	// The operator cancels after the 5th message went out; the
	// executor polls every 10 recipients, so it must stop at the next
	// poll with between 5 and 15 processed.
	store.statusHook = func() string {
		if sender.count() >= 5 {
			return models.BroadcastStatusCancelled
		}
		return ""
	}

	env := newTestEnv(store, &fakeResolver{ids: seq(1000)}, sender, Options{CancelCheckEvery: 10})
	if err := env.svc.Run(context.Background(), store.b.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	b := store.snapshot()
	if b.Status != models.BroadcastStatusCancelled {
		t.Fatalf("status = %s, want cancelled", b.Status)
	}
	processed := b.SentCount + b.FailedCount
	if processed < 5 || processed > 15 {
		t.Fatalf("processed %d, want within [5,15]", processed)
	}
	if env.sender.count() != processed {
		t.Fatalf("sends continued after cancellation: %d != %d", env.sender.count(), processed)
	}
}

func TestRun_PerRecipientFailuresDoNotAbort(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusScheduled)
	sender := &fakeSender{
		respond: func(req telegram.SendRequest) (telegram.SendResult, error) {
			if req.ChatID%3 == 0 {
				return telegram.SendResult{
					ErrorCode:   403,
					Description: "Forbidden: bot was blocked by the user",
				}, nil
			}
			return telegram.SendResult{OK: true}, nil
		},
	}
	env := newTestEnv(store, &fakeResolver{ids: seq(30)}, sender, Options{})

	if err := env.svc.Run(context.Background(), store.b.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	b := store.snapshot()
	if b.Status != models.BroadcastStatusSent {
		t.Fatalf("status = %s", b.Status)
	}
	if b.SentCount+b.FailedCount != 30 {
		t.Fatalf("sent+failed = %d, want 30", b.SentCount+b.FailedCount)
	}
	if b.FailedCount == 0 {
		t.Fatal("expected some failures")
	}
	if b.LastError == nil || !strings.Contains(*b.LastError, "blocked") {
		t.Fatalf("last_error = %v", b.LastError)
	}

	// sent+failed never exceeds total, and processed never decreases.
	prev := -1
	for _, s := range env.progress.snaps {
		if s.Sent+s.Failed > s.Total {
			t.Fatalf("invariant violated: %d+%d > %d", s.Sent, s.Failed, s.Total)
		}
		if s.Sent+s.Failed < prev {
			t.Fatalf("processed count regressed: %d -> %d", prev, s.Sent+s.Failed)
		}
		prev = s.Sent + s.Failed
	}
}

func TestRun_BlockedListIsCapped(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusScheduled)
	sender := &fakeSender{
		respond: func(telegram.SendRequest) (telegram.SendResult, error) {
			return telegram.SendResult{
				ErrorCode:   403,
				Description: "Forbidden: bot was blocked by the user",
			}, nil
		},
	}

	core, logged := observer.New(zap.InfoLevel)
	env := newTestEnv(store, &fakeResolver{ids: seq(30)}, sender, Options{BlockedListCap: 5})
	env.svc.log = zap.New(core)

	if err := env.svc.Run(context.Background(), store.b.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if b := store.snapshot(); b.FailedCount != 30 {
		t.Fatalf("failed = %d, want 30", b.FailedCount)
	}

	// Every recipient failed as blocked but the report keeps only the
	// first BlockedListCap ids.
	var found bool
	for _, entry := range logged.All() {
		for _, f := range entry.Context {
			if f.Key == "blocked" {
				found = true
				if f.Integer != 5 {
					t.Fatalf("blocked = %d, want the cap 5", f.Integer)
				}
			}
		}
	}
	if !found {
		t.Fatal("run summary did not report blocked recipients")
	}
}

func TestRun_RetryAfterSleepsBeforeNextRecipient(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusScheduled)
	const wait = 30 * time.Millisecond
	sender := &fakeSender{
		respond: func(req telegram.SendRequest) (telegram.SendResult, error) {
			if req.ChatID == 1000 {
				return telegram.SendResult{
					ErrorCode:   429,
					Description: "Too Many Requests",
					RetryAfter:  wait,
				}, nil
			}
			return telegram.SendResult{OK: true}, nil
		},
	}
	env := newTestEnv(store, &fakeResolver{ids: seq(2)}, sender, Options{})

	start := time.Now()
	if err := env.svc.Run(context.Background(), store.b.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if took := time.Since(start); took < wait {
		t.Fatalf("run finished in %v, expected at least the retry-after wait %v", took, wait)
	}

	b := store.snapshot()
	if b.SentCount != 1 || b.FailedCount != 1 {
		t.Fatalf("counters: sent=%d failed=%d", b.SentCount, b.FailedCount)
	}
	if b.Status != models.BroadcastStatusSent {
		t.Fatalf("status = %s", b.Status)
	}
}

func TestRun_ParseRejectionDowngradesRunToPlainText(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusScheduled)
	sender := &fakeSender{
		respond: func(req telegram.SendRequest) (telegram.SendResult, error) {
			if req.ParseMode != "" {
				return telegram.SendResult{
					ErrorCode:   400,
					Description: "Bad Request: can't parse entities",
				}, nil
			}
			return telegram.SendResult{OK: true}, nil
		},
	}
	env := newTestEnv(store, &fakeResolver{ids: seq(5)}, sender, Options{})

	if err := env.svc.Run(context.Background(), store.b.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	b := store.snapshot()
	if b.SentCount != 5 || b.FailedCount != 0 {
		t.Fatalf("counters: sent=%d failed=%d", b.SentCount, b.FailedCount)
	}

	reqs := env.sender.requests()
	// First recipient: formatted attempt plus one plain retry; the
	// downgrade then sticks for the rest of the run.
	if len(reqs) != 6 {
		t.Fatalf("send calls = %d, want 6", len(reqs))
	}
	for _, req := range reqs[1:] {
		if req.ParseMode != "" {
			t.Fatalf("expected plain text after downgrade, got mode %q", req.ParseMode)
		}
		if strings.Contains(req.Text, "<b>") {
			t.Fatalf("plain fallback still contains markup: %q", req.Text)
		}
	}
}

func TestRun_RunLevelErrorRetriesThenSucceeds(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusScheduled)
	resolver := &fakeResolver{ids: seq(3), failures: 2}
	env := newTestEnv(store, resolver, &fakeSender{}, Options{RunMaxRetries: 3})

	if err := env.svc.Run(context.Background(), store.b.ID); err != nil {
		t.Fatalf("run should recover, got %v", err)
	}
	if resolver.calls != 3 {
		t.Fatalf("resolver calls = %d, want 3", resolver.calls)
	}
	if b := store.snapshot(); b.Status != models.BroadcastStatusSent {
		t.Fatalf("status = %s", b.Status)
	}
}

func TestRun_RunLevelRetriesExhaustToFailed(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusScheduled)
	resolver := &fakeResolver{ids: seq(3), failures: 100}
	env := newTestEnv(store, resolver, &fakeSender{}, Options{RunMaxRetries: 2})

	err := env.svc.Run(context.Background(), store.b.ID)
	if err == nil {
		t.Fatal("expected terminal error")
	}

	b := store.snapshot()
	if b.Status != models.BroadcastStatusFailed {
		t.Fatalf("status = %s, want failed", b.Status)
	}
	if b.LastError == nil {
		t.Fatal("last_error not recorded")
	}

	// Even a failed run must leave a final progress snapshot.
	snap, ok, _ := env.progress.Get(context.Background(), b.ID)
	if !ok || snap.Status != models.BroadcastStatusFailed {
		t.Fatalf("final snapshot: %+v ok=%v", snap, ok)
	}
}

func TestRun_TransientFinishFailureStillReachesTerminal(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusScheduled)
	store.finishFail = 1
	env := newTestEnv(store, &fakeResolver{ids: seq(3)}, &fakeSender{}, Options{RunMaxRetries: 3})

	if err := env.svc.Run(context.Background(), store.b.ID); err != nil {
		t.Fatalf("run should recover from a transient finish failure: %v", err)
	}

	// The record must never be stranded in sending: the retry resumes
	// the run this process already holds.
	b := store.snapshot()
	if b.Status != models.BroadcastStatusSent {
		t.Fatalf("status = %s, want sent", b.Status)
	}
	if b.SentCount != 3 || b.FailedCount != 0 {
		t.Fatalf("counters: sent=%d failed=%d", b.SentCount, b.FailedCount)
	}
	if b.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	// The resumed attempt repeats the deliveries.
	if env.sender.count() != 6 {
		t.Fatalf("send calls = %d, want 6", env.sender.count())
	}

	snap, ok, _ := env.progress.Get(context.Background(), b.ID)
	if !ok || snap.Status != models.BroadcastStatusSent || snap.Sent != 3 {
		t.Fatalf("final snapshot: %+v ok=%v", snap, ok)
	}
}

func TestRun_SkipsWhenAnotherRunHoldsTheBroadcast(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusSending)
	resolver := &fakeResolver{ids: seq(3)}
	env := newTestEnv(store, resolver, &fakeSender{}, Options{})

	if err := env.svc.Run(context.Background(), store.b.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if env.sender.count() != 0 {
		t.Fatal("duplicate run must not send")
	}
	if b := store.snapshot(); b.Status != models.BroadcastStatusSending {
		t.Fatalf("existing run disturbed: status = %s", b.Status)
	}
}

func TestLaunch_RejectedWhileSending(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusSending)
	env := newTestEnv(store, &fakeResolver{}, &fakeSender{}, Options{})

	err := env.svc.Launch(context.Background(), store.b.ID)
	if !errors.Is(err, ErrLaunchConflict) {
		t.Fatalf("err = %v, want ErrLaunchConflict", err)
	}
	if b := store.snapshot(); b.Status != models.BroadcastStatusSending {
		t.Fatalf("existing run affected: status = %s", b.Status)
	}
	if _, ok := env.queue.TryDequeue(); ok {
		t.Fatal("nothing should be enqueued")
	}
}

func TestLaunch_FromDraftEnqueues(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusDraft)
	env := newTestEnv(store, &fakeResolver{}, &fakeSender{}, Options{})

	if err := env.svc.Launch(context.Background(), store.b.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if b := store.snapshot(); b.Status != models.BroadcastStatusScheduled {
		t.Fatalf("status = %s, want scheduled", b.Status)
	}
	id, ok := env.queue.TryDequeue()
	if !ok || id != store.b.ID {
		t.Fatalf("queue: id=%v ok=%v", id, ok)
	}
}

func TestCancel_Transitions(t *testing.T) {
	for _, tt := range []struct {
		from   string
		wantOK bool
	}{
		{models.BroadcastStatusDraft, true},
		{models.BroadcastStatusScheduled, true},
		{models.BroadcastStatusSending, true},
		{models.BroadcastStatusSent, false},
		{models.BroadcastStatusCancelled, false},
		{models.BroadcastStatusFailed, false},
	} {
		t.Run(tt.from, func(t *testing.T) {
			store := newFakeStore(tt.from)
			env := newTestEnv(store, &fakeResolver{}, &fakeSender{}, Options{})

			err := env.svc.Cancel(context.Background(), store.b.ID)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("cancel from %s: %v", tt.from, err)
				}
				if b := store.snapshot(); b.Status != models.BroadcastStatusCancelled {
					t.Fatalf("status = %s", b.Status)
				}
			} else if !errors.Is(err, ErrCancelConflict) {
				t.Fatalf("err = %v, want ErrCancelConflict", err)
			}
		})
	}
}

func TestProgress_FallsBackToDurableRecord(t *testing.T) {
	store := newFakeStore(models.BroadcastStatusSent)
	store.b.SentCount = 90
	store.b.FailedCount = 10
	store.b.TotalRecipients = 100
	env := newTestEnv(store, &fakeResolver{}, &fakeSender{}, Options{})

	snap, err := env.svc.Progress(context.Background(), store.b.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if snap.Sent != 90 || snap.Failed != 10 || snap.Total != 100 || snap.Percent != 100 {
		t.Fatalf("snapshot: %+v", snap)
	}
	if snap.Status != models.BroadcastStatusSent {
		t.Fatalf("status = %s", snap.Status)
	}
}
