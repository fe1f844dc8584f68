// Package idempotency stores finished HTTP responses so a client retry
// carrying the same Idempotency-Key replays the first outcome instead of
// repeating its side effects. It also owns the Redis key schema shared
// with the lock that fences the first execution.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is one finished response. Location is the only header worth
// replaying on this API; everything else is transport state that must be
// fresh on every response.
type Record struct {
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	ContentType string `json:"content_type"`
	Location    string `json:"location,omitempty"`
	RequestHash string `json:"request_hash"`
	CreatedAt   int64  `json:"created_at"`
}

// Store keeps records in Redis under one fixed TTL. The TTL is the
// dedupe window: a retry after it expires runs as a new request.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

const defaultTTL = 24 * time.Hour

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func (s *Store) Get(ctx context.Context, key string) (*Record, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, nil
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *Store) Set(ctx context.Context, key string, rec Record) error {
	if s == nil || s.client == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, raw, s.ttl).Err()
}

// ResponseKey names the stored record for one (caller, route, key)
// triple. Scoping by caller keeps one tenant's key from replaying
// another tenant's response.
func ResponseKey(scope, routeHash, idemKey string) string {
	return "idem:resp:" + scope + ":" + routeHash + ":" + idemKey
}

// LockKey names the fencing lock for the same triple.
func LockKey(scope, routeHash, idemKey string) string {
	return "idem:lock:" + scope + ":" + routeHash + ":" + idemKey
}

// RequestHash fingerprints what a request asked for: method, route,
// media type, canonical query and canonical JSON body. A replayed key
// with a different fingerprint is a conflict, not a retry.
func RequestHash(method, routePattern, contentType string, query url.Values, body []byte) string {
	h := sha256.New()
	io.WriteString(h, strings.ToUpper(strings.TrimSpace(method)))
	io.WriteString(h, "\n")
	io.WriteString(h, strings.TrimSpace(routePattern))
	io.WriteString(h, "\n")
	io.WriteString(h, mediaType(contentType))
	io.WriteString(h, "\n")
	io.WriteString(h, canonicalQuery(query))
	io.WriteString(h, "\n")
	io.WriteString(h, canonicalBody(body))
	return hex.EncodeToString(h.Sum(nil))
}

// RouteHash keeps route identity inside the key without storing the
// pattern itself.
func RouteHash(routePattern string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(routePattern)))
	return hex.EncodeToString(sum[:8])
}

func mediaType(contentType string) string {
	return strings.TrimSpace(strings.ToLower(strings.Split(contentType, ";")[0]))
}

// canonicalQuery renders the query with keys and repeated values sorted,
// so parameter order never splits a fingerprint.
func canonicalQuery(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	c := make(url.Values, len(v))
	for k, vals := range v {
		s := append([]string(nil), vals...)
		sort.Strings(s)
		c[k] = s
	}
	return c.Encode()
}

// canonicalBody normalizes JSON bodies through a decode/encode round
// trip, so whitespace and key order never split a fingerprint. Anything
// that is not JSON is hashed as sent.
func canonicalBody(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return trimmed
	}
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return string(out)
}

// Cacheable reports whether a response is worth replaying. Server errors
// and 429s are transient and must be retried for real.
func Cacheable(status int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusConflict:
		return true
	default:
		return false
	}
}
