// Package tracking implements the Tracking Store (C1): per-channel
// high-water-mark cursors and a dedupe bitmap in a key-value cache, with
// cold-start recovery from CSV and a conservative time-based admission
// fallback when the cache is unreachable.
//
// The cursor monotonic-merge is a Lua CAS script, the same shape as the
// redis-backed cursor store in fetcher_redis_offline.go: read the current
// value, only SET if the new value is larger, all inside one round trip
// so concurrent fetch cycles can't regress each other.
package tracking

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned by every method when the cache cannot be
// reached. Callers fall back to the conservative time-based admission
// rule and skip cursor updates for that cycle, per spec.md §4.1.
var ErrUnavailable = errors.New("tracking: cache unavailable")

const defaultTTL = 24 * time.Hour

// Store is the Tracking Store contract.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string

	setCursorIfGreater *redis.Script
}

// New builds a Store against a redis connection string (spec.md §6
// cache.redis_url).
func New(redisURL string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("tracking: parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		rdb:                redis.NewClient(opts),
		ttl:                ttl,
		prefix:             "chatwatch",
		setCursorIfGreater: redis.NewScript(casCursorLua),
	}, nil
}

// NewWithClient wires an already-constructed client, used by tests against
// a miniredis-style in-memory server.
func NewWithClient(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, prefix: "chatwatch", setCursorIfGreater: redis.NewScript(casCursorLua)}
}

func (s *Store) cursorKey(channel string) string { return s.prefix + ":cursor:" + channel }
func (s *Store) seenKey(channel string, externalID int64) string {
	return fmt.Sprintf("%s:seen:%s:%d", s.prefix, channel, externalID)
}

// casCursorLua sets KEYS[1] to ARGV[1] only if no value is stored yet or
// the stored value is smaller, and always refreshes the TTL on write.
// Returns the resulting stored value.
const casCursorLua = `
local cur = redis.call('GET', KEYS[1])
local ttl = tonumber(ARGV[2])
if (not cur) or (tonumber(cur) < tonumber(ARGV[1])) then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ttl)
  return ARGV[1]
end
redis.call('EXPIRE', KEYS[1], ttl)
return cur
`

// GetCursor returns the stored high-water-mark for channel, or
// (0, false, nil) if none is stored. It returns ErrUnavailable if the
// cache cannot be reached.
func (s *Store) GetCursor(ctx context.Context, channel string) (int64, bool, error) {
	v, err := s.rdb.Get(ctx, s.cursorKey(channel)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, true, nil
}

// SetCursor performs the monotonic merge: the stored cursor becomes
// max(current, id), and its TTL is refreshed regardless of whether the
// value actually advanced.
func (s *Store) SetCursor(ctx context.Context, channel string, id int64) error {
	ttlSeconds := int64(s.ttl / time.Second)
	err := s.setCursorIfGreater.Run(ctx, s.rdb, []string{s.cursorKey(channel)}, id, ttlSeconds).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// MarkSeen records a dedupe bit for (channel, externalID) with the
// store's TTL. It is best-effort: callers must not rely on it for
// correctness, only as an optimization (spec.md §4.1 "Failure").
func (s *Store) MarkSeen(ctx context.Context, channel string, externalID int64) error {
	if err := s.rdb.Set(ctx, s.seenKey(channel, externalID), 1, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsSeen reports whether (channel, externalID) was marked within the TTL
// window. A cache failure is reported as not-seen (false, err) so callers
// degrade to re-processing rather than silently dropping messages.
func (s *Store) IsSeen(ctx context.Context, channel string, externalID int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.seenKey(channel, externalID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// ColdStartFromCSV recovers a missing cursor by scanning a channel's CSV
// backup files for the maximum external id. csvPaths is typically the
// country's significant and trivial CSV files (spec.md §4.1's "cold
// start" rule). It returns (0, false, nil) if no row matches channel in
// either file, in which case the caller must use the conservative
// time-based admission rule instead.
func ColdStartFromCSV(csvPaths []string, channel string) (int64, bool, error) {
	var maxID int64
	found := false

	for _, path := range csvPaths {
		id, ok, err := maxExternalIDInCSV(path, channel)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return 0, false, err
		}
		if ok && (!found || id > maxID) {
			maxID = id
			found = true
		}
	}
	return maxID, found, nil
}

func maxExternalIDInCSV(path, channel string) (int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, false, nil
		}
		return 0, false, err
	}
	idCol, channelCol := -1, -1
	for i, h := range header {
		switch h {
		case "external_id":
			idCol = i
		case "channel":
			channelCol = i
		}
	}
	if idCol == -1 || channelCol == -1 {
		return 0, false, fmt.Errorf("tracking: csv %s missing external_id/channel columns", path)
	}

	var maxID int64
	found := false
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, false, err
		}
		if row[channelCol] != channel {
			continue
		}
		id, err := strconv.ParseInt(row[idCol], 10, 64)
		if err != nil {
			continue
		}
		if !found || id > maxID {
			maxID = id
			found = true
		}
	}
	return maxID, found, nil
}

// Close releases the underlying redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}
