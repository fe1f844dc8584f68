package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"

	"MKK-Gate/pkg/runningcounter"
	"MKK-Gate/pkg/throttle"
)

// Names travel inside Redis keys, so the colon separator is off limits.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

type decisionEngine interface {
	Evaluate(ctx context.Context, name string, tokens int64) (throttle.Decision, error)
	EvaluateWith(ctx context.Context, name string, p throttle.Params) (throttle.Decision, error)
}

type throttleAdmin interface {
	SetKnobs(ctx context.Context, name string, u throttle.KnobsUpdate) error
	ResetKnobs(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Peek(ctx context.Context, name string) (throttle.Info, error)
}

type usageCounter interface {
	Inc(ctx context.Context, name string, amount float64) error
	IncGroup(ctx context.Context, group, name string, amount float64) error
	Buckets(ctx context.Context, name string) (int64, []int64, error)
	BucketCounts(ctx context.Context, name string) ([]runningcounter.BucketCount, error)
	GroupCounts(ctx context.Context, group string) (map[string]float64, error)
	Window() time.Duration
}

// ThrottleInfo is the admin view of one throttle.
type ThrottleInfo struct {
	Name   string
	Bucket *throttle.BucketState
	Knobs  *throttle.Knobs
}

// CounterReport is the live window of one counter.
type CounterReport struct {
	Name          string
	CurrentBucket int64
	Buckets       []runningcounter.BucketCount
	Total         float64
	Window        time.Duration
}

// GroupReport aggregates the live counters of a group.
type GroupReport struct {
	Group  string
	Counts map[string]float64
	Total  float64
	Window time.Duration
}

// AdmissionService fronts the throttle engine and usage counters for the
// HTTP layer. Every knob mutation gets a change ID for audit logs.
type AdmissionService struct {
	engine     decisionEngine
	admin      throttleAdmin
	counters   usageCounter
	usageGroup string
	logger     *slog.Logger
}

func NewAdmissionService(engine decisionEngine, admin throttleAdmin, counters usageCounter, usageGroup string, logger *slog.Logger) (*AdmissionService, error) {
	if engine == nil {
		return nil, errors.New("nil decision engine")
	}
	if admin == nil {
		return nil, errors.New("nil throttle admin")
	}
	if counters == nil {
		return nil, errors.New("nil usage counter")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdmissionService{
		engine:     engine,
		admin:      admin,
		counters:   counters,
		usageGroup: usageGroup,
		logger:     logger,
	}, nil
}

// Check evaluates the named throttle and accounts the check in the usage
// group. Usage accounting is best effort: a counter failure never blocks
// the admission decision.
func (s *AdmissionService) Check(ctx context.Context, name string, p throttle.Params) (throttle.Decision, error) {
	if err := validateName(name); err != nil {
		return throttle.Decision{}, err
	}

	d, err := s.engine.EvaluateWith(ctx, name, p)
	if err != nil {
		return throttle.Decision{}, err
	}

	if s.usageGroup != "" {
		if err := s.counters.IncGroup(ctx, s.usageGroup, name, 1); err != nil {
			s.logger.Warn("usage accounting failed", "throttle", name, "err", err)
		}
	}
	return d, nil
}

// Describe returns the stored state of one throttle.
func (s *AdmissionService) Describe(ctx context.Context, name string) (ThrottleInfo, error) {
	if err := validateName(name); err != nil {
		return ThrottleInfo{}, err
	}
	info, err := s.admin.Peek(ctx, name)
	if err != nil {
		if errors.Is(err, throttle.ErrNotFound) {
			return ThrottleInfo{}, ErrNotFound
		}
		return ThrottleInfo{}, err
	}
	return ThrottleInfo{Name: name, Bucket: info.Bucket, Knobs: info.Knobs}, nil
}

// Tune writes knobs and returns the change ID logged with the mutation.
func (s *AdmissionService) Tune(ctx context.Context, name string, u throttle.KnobsUpdate) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	changeID := uuid.NewString()
	if err := s.admin.SetKnobs(ctx, name, u); err != nil {
		if errors.Is(err, throttle.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	s.logger.Info("knobs_change",
		"change_id", changeID,
		"throttle", name,
		"rps", floatOrNil(u.RPS),
		"burst", floatOrNil(u.Burst),
		"window", durationOrNil(u.Window),
	)
	return changeID, nil
}

// Reset drops the stored knobs so caller defaults apply again.
func (s *AdmissionService) Reset(ctx context.Context, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	changeID := uuid.NewString()
	if err := s.admin.ResetKnobs(ctx, name); err != nil {
		return "", err
	}
	s.logger.Info("knobs_change", "change_id", changeID, "throttle", name, "reset", true)
	return changeID, nil
}

// Remove deletes the throttle's bucket and knobs.
func (s *AdmissionService) Remove(ctx context.Context, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	changeID := uuid.NewString()
	if err := s.admin.Delete(ctx, name); err != nil {
		return "", err
	}
	s.logger.Info("throttle_delete", "change_id", changeID, "throttle", name)
	return changeID, nil
}

// RecordCount adds amount to a counter, optionally inside a group.
func (s *AdmissionService) RecordCount(ctx context.Context, name string, amount float64, group string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if group != "" {
		if err := validateName(group); err != nil {
			return err
		}
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("%w: amount must be finite", ErrBadRequest)
	}
	if amount == 0 {
		amount = 1
	}

	if group != "" {
		return s.counters.IncGroup(ctx, group, name, amount)
	}
	return s.counters.Inc(ctx, name, amount)
}

// CounterReport returns the live buckets and windowed total of a counter.
func (s *AdmissionService) CounterReport(ctx context.Context, name string) (CounterReport, error) {
	if err := validateName(name); err != nil {
		return CounterReport{}, err
	}
	current, _, err := s.counters.Buckets(ctx, name)
	if err != nil {
		return CounterReport{}, err
	}
	counts, err := s.counters.BucketCounts(ctx, name)
	if err != nil {
		return CounterReport{}, err
	}

	var total float64
	for _, bc := range counts {
		total += bc.Count
	}
	return CounterReport{
		Name:          name,
		CurrentBucket: current,
		Buckets:       counts,
		Total:         total,
		Window:        s.counters.Window(),
	}, nil
}

// GroupReport returns the windowed totals of every live counter in a
// group.
func (s *AdmissionService) GroupReport(ctx context.Context, group string) (GroupReport, error) {
	if err := validateName(group); err != nil {
		return GroupReport{}, err
	}
	counts, err := s.counters.GroupCounts(ctx, group)
	if err != nil {
		return GroupReport{}, err
	}

	var total float64
	for _, v := range counts {
		total += v
	}
	return GroupReport{
		Group:  group,
		Counts: counts,
		Total:  total,
		Window: s.counters.Window(),
	}, nil
}

func validateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: invalid name %q", ErrBadRequest, name)
	}
	return nil
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func durationOrNil(d *time.Duration) any {
	if d == nil {
		return nil
	}
	return d.String()
}
