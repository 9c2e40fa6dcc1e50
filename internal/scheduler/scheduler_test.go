package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/store"
)

type fakeScheduleStore struct {
	mu        sync.Mutex
	entries   map[string]*store.Schedule
	leaseHold string
	denyLease bool
	failCAS   bool
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{entries: map[string]*store.Schedule{}}
}

func (f *fakeScheduleStore) add(sc store.Schedule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := sc
	f.entries[sc.Name] = &cp
}

func (f *fakeScheduleStore) DueSchedules(ctx context.Context, now time.Time) ([]store.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Schedule
	for _, sc := range f.entries {
		if sc.Enabled && !sc.NextFireAt.After(now) {
			out = append(out, *sc)
		}
	}
	return out, nil
}

func (f *fakeScheduleStore) RecordFire(ctx context.Context, name string, expectedNext, firedAt, nextFire time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.entries[name]
	if f.failCAS || !ok || !sc.NextFireAt.Equal(expectedNext) {
		return store.ErrVersionConflict
	}
	fired := firedAt
	sc.LastFiredAt = &fired
	sc.NextFireAt = nextFire
	return nil
}

func (f *fakeScheduleStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyLease {
		return false, nil
	}
	if f.leaseHold == "" || f.leaseHold == owner {
		f.leaseHold = owner
		return true, nil
	}
	return false, nil
}

func (f *fakeScheduleStore) ReleaseLease(ctx context.Context, name, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaseHold == owner {
		f.leaseHold = ""
	}
	return nil
}

type fakeSubmitter struct {
	mu   sync.Mutex
	keys []string
	errs map[string]error
}

func (f *fakeSubmitter) Submit(ctx context.Context, kind string, payload json.RawMessage, key string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	f.keys = append(f.keys, key)
	return &store.Task{ID: uuid.New(), Kind: kind, IdempotencyKey: key, Status: store.StatusQueued}, nil
}

func (f *fakeSubmitter) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func newTestScheduler(st ScheduleStore, sub Submitter) *Scheduler {
	return New(st, sub, zap.NewNop(), Config{Tick: time.Second, LeaseTTL: 10 * time.Second, Owner: "test-owner"})
}

func TestIntervalScheduleFiresOncePerPeriod(t *testing.T) {
	st := newFakeScheduleStore()
	sub := &fakeSubmitter{}
	s := newTestScheduler(st, sub)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.add(store.Schedule{
		Name:       "process-orders",
		Kind:       "process_orders",
		Payload:    json.RawMessage(`{}`),
		Interval:   time.Minute,
		Enabled:    true,
		NextFireAt: start,
	})

	// ten simulated minutes, evaluated every ten seconds
	for now := start; now.Before(start.Add(10 * time.Minute)); now = now.Add(10 * time.Second) {
		s.evaluate(context.Background(), now)
	}

	keys := sub.submitted()
	if len(keys) != 10 {
		t.Fatalf("expected 10 fires over 10 minutes, got %d: %v", len(keys), keys)
	}
	seen := map[string]bool{}
	for i, k := range keys {
		if seen[k] {
			t.Fatalf("duplicate fire key %q", k)
		}
		seen[k] = true
		want := FireKey("process-orders", start.Add(time.Duration(i)*time.Minute))
		if k != want {
			t.Fatalf("fire %d: key %q, want %q", i, k, want)
		}
	}
}

func TestCronScheduleAdvancesByExpression(t *testing.T) {
	st := newFakeScheduleStore()
	sub := &fakeSubmitter{}
	s := newTestScheduler(st, sub)

	expr := "0 * * * *" // hourly on the hour
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.add(store.Schedule{
		Name:       "update-availability",
		Kind:       "update_availability",
		CronExpr:   &expr,
		Enabled:    true,
		NextFireAt: start,
	})

	s.evaluate(context.Background(), start)

	if got := sub.submitted(); len(got) != 1 {
		t.Fatalf("expected 1 fire, got %v", got)
	}
	sc := st.entries["update-availability"]
	want := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	if !sc.NextFireAt.Equal(want) {
		t.Fatalf("next fire %v, want %v", sc.NextFireAt, want)
	}
}

func TestMissedWindowFiresOnceNotBacklog(t *testing.T) {
	st := newFakeScheduleStore()
	sub := &fakeSubmitter{}
	s := newTestScheduler(st, sub)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.add(store.Schedule{
		Name:       "process-orders",
		Kind:       "process_orders",
		Interval:   time.Minute,
		Enabled:    true,
		NextFireAt: start,
	})

	// instance wakes up an hour late: one catch-up fire, not sixty
	late := start.Add(time.Hour + 30*time.Second)
	s.evaluate(context.Background(), late)
	s.evaluate(context.Background(), late.Add(time.Second))

	if got := sub.submitted(); len(got) != 1 {
		t.Fatalf("expected a single catch-up fire, got %v", got)
	}
	// next fire stays on the original minute grid, not 30s past it
	sc := st.entries["process-orders"]
	if want := start.Add(61 * time.Minute); !sc.NextFireAt.Equal(want) {
		t.Fatalf("next fire %v, want %v", sc.NextFireAt, want)
	}
}

func TestIntervalKeepsPhaseAcrossLateTicks(t *testing.T) {
	st := newFakeScheduleStore()
	sub := &fakeSubmitter{}
	s := newTestScheduler(st, sub)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.add(store.Schedule{
		Name:       "process-orders",
		Kind:       "process_orders",
		Interval:   time.Minute,
		Enabled:    true,
		NextFireAt: start,
	})

	// every evaluation runs a few seconds after the slot; the slots must not
	// drift later with each fire
	for i := 0; i < 5; i++ {
		s.evaluate(context.Background(), start.Add(time.Duration(i)*time.Minute+3*time.Second))
	}

	keys := sub.submitted()
	if len(keys) != 5 {
		t.Fatalf("expected 5 fires, got %v", keys)
	}
	for i, k := range keys {
		want := FireKey("process-orders", start.Add(time.Duration(i)*time.Minute))
		if k != want {
			t.Fatalf("fire %d drifted: key %q, want %q", i, k, want)
		}
	}
}

func TestLostFireCASSubmitsNothing(t *testing.T) {
	st := newFakeScheduleStore()
	sub := &fakeSubmitter{}
	s := newTestScheduler(st, sub)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.add(store.Schedule{
		Name:       "process-orders",
		Kind:       "process_orders",
		Interval:   time.Minute,
		Enabled:    true,
		NextFireAt: start,
	})

	// another instance claims the fire between our due query and the CAS
	st.failCAS = true
	s.evaluate(context.Background(), start)
	if got := sub.submitted(); len(got) != 0 {
		t.Fatalf("conflicting fire still submitted: %v", got)
	}

	// with the race gone the next evaluation fires normally
	st.failCAS = false
	s.evaluate(context.Background(), start)
	if got := sub.submitted(); len(got) != 1 {
		t.Fatalf("expected exactly one fire after conflict cleared, got %v", got)
	}
}

func TestNonLeaderDoesNotEvaluate(t *testing.T) {
	st := newFakeScheduleStore()
	sub := &fakeSubmitter{}
	s := newTestScheduler(st, sub)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.add(store.Schedule{
		Name:       "process-orders",
		Kind:       "process_orders",
		Interval:   time.Minute,
		Enabled:    true,
		NextFireAt: start,
	})

	st.denyLease = true
	s.now = func() time.Time { return start }
	s.tick(context.Background())
	if got := sub.submitted(); len(got) != 0 {
		t.Fatalf("non-leader fired schedules: %v", got)
	}

	st.denyLease = false
	s.tick(context.Background())
	if got := sub.submitted(); len(got) != 1 {
		t.Fatalf("leader should fire once, got %v", got)
	}
}

func TestDisabledScheduleNeverFires(t *testing.T) {
	st := newFakeScheduleStore()
	sub := &fakeSubmitter{}
	s := newTestScheduler(st, sub)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.add(store.Schedule{
		Name:       "process-orders",
		Kind:       "process_orders",
		Interval:   time.Minute,
		Enabled:    false,
		NextFireAt: start,
	})

	s.evaluate(context.Background(), start.Add(time.Hour))
	if got := sub.submitted(); len(got) != 0 {
		t.Fatalf("disabled schedule fired: %v", got)
	}
}

func TestFireKeyFormat(t *testing.T) {
	fire := time.Unix(1748779200, 0)
	got := FireKey("process-orders", fire)
	want := fmt.Sprintf("sched:process-orders:%d", fire.Unix())
	if got != want {
		t.Fatalf("fire key %q, want %q", got, want)
	}
}
