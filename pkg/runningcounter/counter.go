// Package runningcounter accumulates sliding-window counts in Redis. A
// counter is a row of per-interval accumulators plus an index of which
// intervals currently hold data; reading sums the live accumulators, so
// the total always covers the trailing interval*periods window without
// any process keeping state. Counters can be collected into named groups
// whose member names are discoverable at read time.
package runningcounter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter reads and writes one windowed-counter layout. The zero value is
// not usable; call New.
type Counter struct {
	client   redis.UniversalClient
	scripts  scripts
	prefix   string
	interval time.Duration
	periods  int
	recorder Recorder
	frozen   bool
}

// BucketCount is one live accumulator of a counter.
type BucketCount struct {
	Index int64
	Count float64
}

// New builds a Counter slicing time into periods buckets of interval
// each. The interval must be whole seconds.
func New(client redis.UniversalClient, interval time.Duration, periods int, opts ...Option) (*Counter, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrInvalidConfiguration)
	}
	if interval < time.Second || interval%time.Second != 0 {
		return nil, fmt.Errorf("%w: interval must be whole seconds, got %v", ErrInvalidConfiguration, interval)
	}
	if periods < 1 {
		return nil, fmt.Errorf("%w: periods must be positive, got %d", ErrInvalidConfiguration, periods)
	}

	c := &Counter{
		client:   client,
		prefix:   DefaultPrefix,
		interval: interval,
		periods:  periods,
		recorder: NopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.prefix == "" || strings.ContainsAny(c.prefix, " \t\r\n") {
		return nil, fmt.Errorf("%w: bad key prefix %q", ErrInvalidConfiguration, c.prefix)
	}

	c.scripts = newScripts(c.frozen)
	return c, nil
}

// Window is the span of time a counter covers.
func (c *Counter) Window() time.Duration {
	return c.interval * time.Duration(c.periods)
}

// Inc adds amount to the current bucket of the named counter. Negative
// and fractional amounts are fine.
func (c *Counter) Inc(ctx context.Context, name string, amount float64) error {
	if name == "" {
		return fmt.Errorf("%w: empty counter name", ErrInvalidConfiguration)
	}
	err := c.scripts.incr.Run(ctx, c.client,
		[]string{c.key(name)},
		c.intervalSec(), c.periods, formatAmount(amount),
	).Err()
	if err != nil {
		return c.storeErr("inc", err)
	}
	c.recorder.RecordIncrement(name, amount)
	return nil
}

// IncGroup is Inc for a counter that belongs to a group. The group's
// registry learns about name on every increment, so group reads discover
// members without any registration step.
func (c *Counter) IncGroup(ctx context.Context, group, name string, amount float64) error {
	if group == "" || name == "" {
		return fmt.Errorf("%w: empty group or counter name", ErrInvalidConfiguration)
	}
	err := c.scripts.incr.Run(ctx, c.client,
		[]string{c.groupKey(group, name), c.registryKey(group)},
		c.intervalSec(), c.periods, formatAmount(amount), name,
	).Err()
	if err != nil {
		return c.storeErr("inc_group", err)
	}
	c.recorder.RecordIncrement(group+":"+name, amount)
	return nil
}

// Buckets returns the current bucket index and the indices that still
// hold data, pruning expired ones first.
func (c *Counter) Buckets(ctx context.Context, name string) (int64, []int64, error) {
	if name == "" {
		return 0, nil, fmt.Errorf("%w: empty counter name", ErrInvalidConfiguration)
	}
	return c.bucketsAt(ctx, c.key(name))
}

// BucketCounts returns the live accumulators of the named counter, oldest
// first. A bucket whose accumulator already expired reads as 0.
func (c *Counter) BucketCounts(ctx context.Context, name string) ([]BucketCount, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty counter name", ErrInvalidConfiguration)
	}
	return c.countsAt(ctx, c.key(name))
}

// Count sums the live window of the named counter.
func (c *Counter) Count(ctx context.Context, name string) (float64, error) {
	counts, err := c.BucketCounts(ctx, name)
	if err != nil {
		return 0, err
	}
	return sum(counts), nil
}

// GroupNames lists the counters that incremented within the group during
// the current window.
func (c *Counter) GroupNames(ctx context.Context, group string) ([]string, error) {
	if group == "" {
		return nil, fmt.Errorf("%w: empty group name", ErrInvalidConfiguration)
	}
	raw, err := c.scripts.names.Run(ctx, c.client,
		[]string{c.registryKey(group)},
		int64(c.Window()/time.Second),
	).StringSlice()
	if err != nil {
		return nil, c.storeErr("group_names", err)
	}
	return raw, nil
}

// GroupCounts returns the windowed total of every live counter in the
// group.
func (c *Counter) GroupCounts(ctx context.Context, group string) (map[string]float64, error) {
	names, err := c.GroupNames(ctx, group)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]float64, len(names))
	for _, name := range names {
		bc, err := c.countsAt(ctx, c.groupKey(group, name))
		if err != nil {
			return nil, err
		}
		counts[name] = sum(bc)
	}
	return counts, nil
}

// Delete removes the named counter and all of its accumulators.
func (c *Counter) Delete(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty counter name", ErrInvalidConfiguration)
	}
	return c.deleteAt(ctx, c.key(name))
}

// DeleteGroup removes every counter in the group plus the registry.
func (c *Counter) DeleteGroup(ctx context.Context, group string) error {
	names, err := c.GroupNames(ctx, group)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := c.deleteAt(ctx, c.groupKey(group, name)); err != nil {
			return err
		}
	}
	if err := c.client.Del(ctx, c.registryKey(group)).Err(); err != nil {
		return c.storeErr("delete_group", err)
	}
	return nil
}

func (c *Counter) bucketsAt(ctx context.Context, indexKey string) (int64, []int64, error) {
	raw, err := c.scripts.buckets.Run(ctx, c.client,
		[]string{indexKey},
		c.intervalSec(), c.periods,
	).Result()
	if err != nil {
		return 0, nil, c.storeErr("buckets", err)
	}
	return parseBuckets(raw)
}

func (c *Counter) countsAt(ctx context.Context, indexKey string) ([]BucketCount, error) {
	_, indices, err := c.bucketsAt(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, nil
	}

	keys := make([]string, len(indices))
	for i, idx := range indices {
		keys[i] = indexKey + ":" + strconv.FormatInt(idx, 10)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, c.storeErr("counts", err)
	}

	counts := make([]BucketCount, 0, len(indices))
	for i, v := range values {
		bc := BucketCount{Index: indices[i]}
		if s, ok := v.(string); ok {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad accumulator %q at %s", ErrStoreUnavailable, s, keys[i])
			}
			bc.Count = f
		}
		counts = append(counts, bc)
	}
	return counts, nil
}

func (c *Counter) deleteAt(ctx context.Context, indexKey string) error {
	if err := c.scripts.remove.Run(ctx, c.client, []string{indexKey}).Err(); err != nil {
		return c.storeErr("delete", err)
	}
	return nil
}

func (c *Counter) key(name string) string {
	return c.prefix + ":" + name
}

func (c *Counter) groupKey(group, name string) string {
	return c.prefix + ":" + group + ":" + name
}

func (c *Counter) registryKey(group string) string {
	return c.prefix + ":" + group + ":group_keys"
}

func (c *Counter) intervalSec() int64 {
	return int64(c.interval / time.Second)
}

func (c *Counter) storeErr(op string, err error) error {
	c.recorder.RecordStoreError(op)
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// parseBuckets unpacks the script reply {bucket, {index...}}. Indices
// travel as strings because they are zset members.
func parseBuckets(raw any) (int64, []int64, error) {
	arr, ok := raw.([]any)
	if !ok || len(arr) != 2 {
		return 0, nil, fmt.Errorf("%w: unexpected script reply %T", ErrStoreUnavailable, raw)
	}
	current, ok := arr[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("%w: malformed bucket index %v", ErrStoreUnavailable, arr[0])
	}
	members, ok := arr[1].([]any)
	if !ok {
		return 0, nil, fmt.Errorf("%w: malformed bucket list %v", ErrStoreUnavailable, arr[1])
	}

	indices := make([]int64, 0, len(members))
	for _, m := range members {
		s, ok := m.(string)
		if !ok {
			return 0, nil, fmt.Errorf("%w: malformed bucket member %v", ErrStoreUnavailable, m)
		}
		idx, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: malformed bucket member %q", ErrStoreUnavailable, s)
		}
		indices = append(indices, idx)
	}
	return current, indices, nil
}

func sum(counts []BucketCount) float64 {
	var total float64
	for _, bc := range counts {
		total += bc.Count
	}
	return total
}

func formatAmount(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
