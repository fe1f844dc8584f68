package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"MKK-Gate/pkg/runningcounter"
	"MKK-Gate/pkg/throttle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEngine struct {
	d        throttle.Decision
	err      error
	calls    int
	lastName string
}

func (f *fakeEngine) Evaluate(ctx context.Context, name string, tokens int64) (throttle.Decision, error) {
	f.calls++
	f.lastName = name
	return f.d, f.err
}

func (f *fakeEngine) EvaluateWith(ctx context.Context, name string, p throttle.Params) (throttle.Decision, error) {
	f.calls++
	f.lastName = name
	return f.d, f.err
}

type fakeAdmin struct {
	info        throttle.Info
	err         error
	updates     []throttle.KnobsUpdate
	resetCalls  int
	deleteCalls int
}

func (f *fakeAdmin) SetKnobs(ctx context.Context, name string, u throttle.KnobsUpdate) error {
	f.updates = append(f.updates, u)
	return f.err
}

func (f *fakeAdmin) ResetKnobs(ctx context.Context, name string) error {
	f.resetCalls++
	return f.err
}

func (f *fakeAdmin) Delete(ctx context.Context, name string) error {
	f.deleteCalls++
	return f.err
}

func (f *fakeAdmin) Peek(ctx context.Context, name string) (throttle.Info, error) {
	return f.info, f.err
}

type recordedInc struct {
	group  string
	name   string
	amount float64
}

type fakeCounter struct {
	incs        []recordedInc
	err         error
	current     int64
	counts      []runningcounter.BucketCount
	groupCounts map[string]float64
}

func (f *fakeCounter) Inc(ctx context.Context, name string, amount float64) error {
	f.incs = append(f.incs, recordedInc{name: name, amount: amount})
	return f.err
}

func (f *fakeCounter) IncGroup(ctx context.Context, group, name string, amount float64) error {
	f.incs = append(f.incs, recordedInc{group: group, name: name, amount: amount})
	return f.err
}

func (f *fakeCounter) Buckets(ctx context.Context, name string) (int64, []int64, error) {
	indices := make([]int64, 0, len(f.counts))
	for _, bc := range f.counts {
		indices = append(indices, bc.Index)
	}
	return f.current, indices, f.err
}

func (f *fakeCounter) BucketCounts(ctx context.Context, name string) ([]runningcounter.BucketCount, error) {
	return f.counts, f.err
}

func (f *fakeCounter) GroupCounts(ctx context.Context, group string) (map[string]float64, error) {
	return f.groupCounts, f.err
}

func (f *fakeCounter) Window() time.Duration {
	return 15 * time.Second
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, engine *fakeEngine, admin *fakeAdmin, counter *fakeCounter, usageGroup string) *AdmissionService {
	t.Helper()
	s, err := NewAdmissionService(engine, admin, counter, usageGroup, quietLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return s
}

func TestNewAdmissionServiceValidation(t *testing.T) {
	engine := &fakeEngine{}
	admin := &fakeAdmin{}
	counter := &fakeCounter{}

	if _, err := NewAdmissionService(nil, admin, counter, "", quietLogger()); err == nil {
		t.Fatalf("nil engine accepted")
	}
	if _, err := NewAdmissionService(engine, nil, counter, "", quietLogger()); err == nil {
		t.Fatalf("nil admin accepted")
	}
	if _, err := NewAdmissionService(engine, admin, nil, "", quietLogger()); err == nil {
		t.Fatalf("nil counter accepted")
	}
	if _, err := NewAdmissionService(engine, admin, counter, "usage", nil); err != nil {
		t.Fatalf("nil logger must default: %v", err)
	}
}

func TestCheckValidatesName(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, &fakeAdmin{}, &fakeCounter{}, "")

	bad := []string{
		"",
		"a b",
		"with:colon",
		"-leading-dash",
		".leading-dot",
		strings.Repeat("a", 129),
	}
	for _, name := range bad {
		if _, err := s.Check(context.Background(), name, throttle.Params{RPS: 1}); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("name %q: err=%v want ErrBadRequest", name, err)
		}
	}
	if engine.calls != 0 {
		t.Fatalf("engine reached with invalid names")
	}

	good := []string{"jobs", "api.gate-1", "A_b.c-d", strings.Repeat("a", 128)}
	for _, name := range good {
		if _, err := s.Check(context.Background(), name, throttle.Params{RPS: 1}); err != nil {
			t.Fatalf("name %q: unexpected err %v", name, err)
		}
	}
}

func TestCheckRecordsUsage(t *testing.T) {
	engine := &fakeEngine{d: throttle.Decision{Allowed: false, Mode: throttle.ModeLimited, RetryAfter: time.Second}}
	counter := &fakeCounter{}
	s := newTestService(t, engine, &fakeAdmin{}, counter, "throttle-usage")

	d, err := s.Check(context.Background(), "jobs", throttle.Params{RPS: 5})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d != engine.d {
		t.Fatalf("decision mangled: %+v", d)
	}

	// Denied checks count as usage too.
	if len(counter.incs) != 1 {
		t.Fatalf("incs=%v", counter.incs)
	}
	inc := counter.incs[0]
	if inc.group != "throttle-usage" || inc.name != "jobs" || inc.amount != 1 {
		t.Fatalf("inc=%+v", inc)
	}
}

func TestCheckUsageFailureDoesNotBlock(t *testing.T) {
	engine := &fakeEngine{d: throttle.Decision{Allowed: true, Tokens: 7}}
	counter := &fakeCounter{err: errors.New("redis down")}
	s := newTestService(t, engine, &fakeAdmin{}, counter, "throttle-usage")

	d, err := s.Check(context.Background(), "jobs", throttle.Params{RPS: 5})
	if err != nil {
		t.Fatalf("usage failure must not surface: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("decision lost: %+v", d)
	}
}

func TestCheckWithoutUsageGroup(t *testing.T) {
	counter := &fakeCounter{}
	s := newTestService(t, &fakeEngine{}, &fakeAdmin{}, counter, "")

	if _, err := s.Check(context.Background(), "jobs", throttle.Params{RPS: 5}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(counter.incs) != 0 {
		t.Fatalf("usage recorded without a group: %v", counter.incs)
	}
}

func TestCheckPropagatesEngineErrors(t *testing.T) {
	engine := &fakeEngine{err: throttle.ErrStoreUnavailable}
	s := newTestService(t, engine, &fakeAdmin{}, &fakeCounter{}, "usage")

	if _, err := s.Check(context.Background(), "jobs", throttle.Params{RPS: 5}); !errors.Is(err, throttle.ErrStoreUnavailable) {
		t.Fatalf("err=%v", err)
	}
}

func TestDescribe(t *testing.T) {
	admin := &fakeAdmin{info: throttle.Info{
		Bucket: &throttle.BucketState{Tokens: 42, Refreshed: time.Unix(1000, 0).UTC()},
		Knobs:  &throttle.Knobs{RPS: 5, Burst: 2, Window: 8 * time.Second},
	}}
	s := newTestService(t, &fakeEngine{}, admin, &fakeCounter{}, "")

	info, err := s.Describe(context.Background(), "jobs")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if info.Name != "jobs" || info.Bucket.Tokens != 42 || info.Knobs.RPS != 5 {
		t.Fatalf("info=%+v", info)
	}
}

func TestDescribeMapsNotFound(t *testing.T) {
	admin := &fakeAdmin{err: throttle.ErrNotFound}
	s := newTestService(t, &fakeEngine{}, admin, &fakeCounter{}, "")

	if _, err := s.Describe(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestTune(t *testing.T) {
	admin := &fakeAdmin{}
	s := newTestService(t, &fakeEngine{}, admin, &fakeCounter{}, "")

	rps := 10.0
	id, err := s.Tune(context.Background(), "jobs", throttle.KnobsUpdate{RPS: &rps})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if id == "" {
		t.Fatalf("empty change id")
	}
	if len(admin.updates) != 1 || admin.updates[0].RPS == nil || *admin.updates[0].RPS != 10 {
		t.Fatalf("updates=%+v", admin.updates)
	}
}

func TestTuneMapsNotFound(t *testing.T) {
	admin := &fakeAdmin{err: throttle.ErrNotFound}
	s := newTestService(t, &fakeEngine{}, admin, &fakeCounter{}, "")

	rps := 10.0
	if _, err := s.Tune(context.Background(), "ghost", throttle.KnobsUpdate{RPS: &rps}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestResetAndRemove(t *testing.T) {
	admin := &fakeAdmin{}
	s := newTestService(t, &fakeEngine{}, admin, &fakeCounter{}, "")
	ctx := context.Background()

	resetID, err := s.Reset(ctx, "jobs")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	removeID, err := s.Remove(ctx, "jobs")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if admin.resetCalls != 1 || admin.deleteCalls != 1 {
		t.Fatalf("resets=%d deletes=%d", admin.resetCalls, admin.deleteCalls)
	}
	if resetID == "" || removeID == "" || resetID == removeID {
		t.Fatalf("change ids: %q %q", resetID, removeID)
	}
}

func TestRecordCount(t *testing.T) {
	counter := &fakeCounter{}
	s := newTestService(t, &fakeEngine{}, &fakeAdmin{}, counter, "")
	ctx := context.Background()

	if err := s.RecordCount(ctx, "emails", 2.5, ""); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := s.RecordCount(ctx, "emails", 0, "notifications"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if len(counter.incs) != 2 {
		t.Fatalf("incs=%v", counter.incs)
	}
	if counter.incs[0] != (recordedInc{name: "emails", amount: 2.5}) {
		t.Fatalf("plain inc=%+v", counter.incs[0])
	}
	// Zero amount means one unit, matching a bare "count this" call.
	if counter.incs[1] != (recordedInc{group: "notifications", name: "emails", amount: 1}) {
		t.Fatalf("group inc=%+v", counter.incs[1])
	}
}

func TestRecordCountValidation(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, &fakeAdmin{}, &fakeCounter{}, "")
	ctx := context.Background()

	if err := s.RecordCount(ctx, "bad name", 1, ""); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err=%v", err)
	}
	if err := s.RecordCount(ctx, "emails", 1, "bad:group"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err=%v", err)
	}
	if err := s.RecordCount(ctx, "emails", math.NaN(), ""); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err=%v", err)
	}
	if err := s.RecordCount(ctx, "emails", math.Inf(1), ""); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err=%v", err)
	}
}

func TestCounterReport(t *testing.T) {
	counter := &fakeCounter{
		current: 2003,
		counts: []runningcounter.BucketCount{
			{Index: 2001, Count: 2},
			{Index: 2003, Count: 4},
		},
	}
	s := newTestService(t, &fakeEngine{}, &fakeAdmin{}, counter, "")

	report, err := s.CounterReport(context.Background(), "jobs")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if report.CurrentBucket != 2003 || report.Total != 6 || len(report.Buckets) != 2 {
		t.Fatalf("report=%+v", report)
	}
	if report.Window != 15*time.Second {
		t.Fatalf("window=%v", report.Window)
	}
}

func TestGroupReport(t *testing.T) {
	counter := &fakeCounter{groupCounts: map[string]float64{"alpha": 2, "beta": 2.5}}
	s := newTestService(t, &fakeEngine{}, &fakeAdmin{}, counter, "")

	report, err := s.GroupReport(context.Background(), "workers")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if report.Total != 4.5 || len(report.Counts) != 2 {
		t.Fatalf("report=%+v", report)
	}
}
