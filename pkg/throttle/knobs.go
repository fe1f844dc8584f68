package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Knobs are the per-throttle settings stored at <prefix>:<name>:knobs.
// Once the record exists its values, not the caller defaults, govern
// every evaluation for that name until it is reset or expires.
type Knobs struct {
	RPS    float64
	Burst  float64
	Window time.Duration
}

// KnobsUpdate writes the non-nil fields. When all three are set the
// record is created or replaced wholesale; a partial update requires the
// record to already exist so it can never be left incomplete.
type KnobsUpdate struct {
	RPS    *float64
	Burst  *float64
	Window *time.Duration
}

// BucketState is a diagnostic snapshot of a throttle bucket. Refreshed is
// zero until the bucket anchors its first window.
type BucketState struct {
	Tokens    float64
	Refreshed time.Time
}

// Info describes one throttle. Either field may be nil when the matching
// record does not exist.
type Info struct {
	Bucket *BucketState
	Knobs  *Knobs
}

// SetKnobs stores throttle settings, overriding the caller defaults for
// all subsequent evaluations of name. The write is the operator's live
// tuning channel; evaluations pick it up immediately. When the configured
// knobs TTL is non-zero the record's expiry is set here as well, so tuned
// throttles still clean up once idle.
func (t *Throttle) SetKnobs(ctx context.Context, name string, u KnobsUpdate) error {
	if name == "" {
		return fmt.Errorf("%w: empty throttle name", ErrInvalidConfiguration)
	}
	if u.RPS == nil && u.Burst == nil && u.Window == nil {
		return fmt.Errorf("%w: empty knobs update", ErrInvalidConfiguration)
	}
	if u.RPS != nil && *u.RPS < 0 && *u.RPS != -1 {
		return fmt.Errorf("%w: rps must be -1, 0 or positive", ErrInvalidConfiguration)
	}
	if u.Burst != nil && *u.Burst <= 0 {
		return fmt.Errorf("%w: burst must be positive", ErrInvalidConfiguration)
	}
	if u.Window != nil && *u.Window < time.Second {
		return fmt.Errorf("%w: window must be at least one second", ErrInvalidConfiguration)
	}

	key := t.knobsKey(name)

	if u.RPS == nil || u.Burst == nil || u.Window == nil {
		if err := t.requireKnobFields(ctx, key, u); err != nil {
			return err
		}
	}

	fields := make([]any, 0, 6)
	if u.RPS != nil {
		fields = append(fields, "rps", formatFloat(*u.RPS))
	}
	if u.Burst != nil {
		fields = append(fields, "burst", formatFloat(*u.Burst))
	}
	if u.Window != nil {
		fields = append(fields, "window", strconv.FormatInt(int64(*u.Window/time.Second), 10))
	}

	_, err := t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields...)
		if t.knobsTTL > 0 {
			p.Expire(ctx, key, t.knobsTTL)
		}
		return nil
	})
	if err != nil {
		return t.storeErr("set_knobs", err)
	}
	return nil
}

// requireKnobFields checks that the fields a partial update leaves alone
// already exist in the record.
func (t *Throttle) requireKnobFields(ctx context.Context, key string, u KnobsUpdate) error {
	var cmds []*redis.BoolCmd
	_, err := t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		if u.RPS == nil {
			cmds = append(cmds, p.HExists(ctx, key, "rps"))
		}
		if u.Burst == nil {
			cmds = append(cmds, p.HExists(ctx, key, "burst"))
		}
		if u.Window == nil {
			cmds = append(cmds, p.HExists(ctx, key, "window"))
		}
		return nil
	})
	if err != nil {
		return t.storeErr("set_knobs", err)
	}
	for _, cmd := range cmds {
		if !cmd.Val() {
			return fmt.Errorf("%w: partial update of missing knobs", ErrNotFound)
		}
	}
	return nil
}

// ResetKnobs deletes the knobs record so the caller defaults apply again.
// Resetting a throttle that has no knobs is not an error.
func (t *Throttle) ResetKnobs(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty throttle name", ErrInvalidConfiguration)
	}
	if err := t.client.Del(ctx, t.knobsKey(name)).Err(); err != nil {
		return t.storeErr("reset_knobs", err)
	}
	return nil
}

// Delete removes all state for a throttle, bucket and knobs both. The
// next evaluation starts from a full bucket.
func (t *Throttle) Delete(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty throttle name", ErrInvalidConfiguration)
	}
	_, err := t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, t.bucketKey(name))
		p.Del(ctx, t.knobsKey(name))
		return nil
	})
	if err != nil {
		return t.storeErr("delete", err)
	}
	return nil
}

// Peek reads the current bucket and knobs without evaluating. It returns
// ErrNotFound when neither record exists.
func (t *Throttle) Peek(ctx context.Context, name string) (Info, error) {
	if name == "" {
		return Info{}, fmt.Errorf("%w: empty throttle name", ErrInvalidConfiguration)
	}

	var bucketCmd, knobsCmd *redis.MapStringStringCmd
	_, err := t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		bucketCmd = p.HGetAll(ctx, t.bucketKey(name))
		knobsCmd = p.HGetAll(ctx, t.knobsKey(name))
		return nil
	})
	if err != nil {
		return Info{}, t.storeErr("peek", err)
	}

	info := Info{
		Bucket: parseBucketState(bucketCmd.Val()),
		Knobs:  parseKnobs(knobsCmd.Val()),
	}
	if info.Bucket == nil && info.Knobs == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return info, nil
}

func parseBucketState(h map[string]string) *BucketState {
	if len(h) == 0 {
		return nil
	}
	tokens, err := strconv.ParseFloat(h["tokens"], 64)
	if err != nil {
		return nil
	}
	refreshed, err := strconv.ParseInt(h["refreshed"], 10, 64)
	if err != nil {
		return nil
	}
	s := BucketState{Tokens: tokens}
	if refreshed > 0 {
		s.Refreshed = time.Unix(refreshed, 0).UTC()
	}
	return &s
}

func parseKnobs(h map[string]string) *Knobs {
	if len(h) == 0 {
		return nil
	}
	rps, errR := strconv.ParseFloat(h["rps"], 64)
	burst, errB := strconv.ParseFloat(h["burst"], 64)
	window, errW := strconv.ParseInt(h["window"], 10, 64)
	if errR != nil || errB != nil || errW != nil {
		return nil
	}
	return &Knobs{RPS: rps, Burst: burst, Window: time.Duration(window) * time.Second}
}
