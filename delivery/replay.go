package delivery

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	messagesKeyPrefix = "sse:messages:"
	payloadsKeyPrefix = "sse:payloads:"

	// DefaultRetention bounds how long replay entries survive; a client
	// gone longer than this recovers from the persisted notification list
	// instead.
	DefaultRetention = time.Hour
)

// Entry is one buffered message in the replay store: a unique message id,
// the named stream channel, and the opaque frame payload. Score is the
// store's ordering key (epoch millis at append time) and is what clients
// hand back as a reconnect cursor.
type Entry struct {
	ID    string                 `json:"id"`
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data"`
	Score int64                  `json:"-"`
}

// ReplayStore keeps a short-retention, per-stream-key ordered buffer of
// recently delivered messages in Redis. Ordering lives in a ZSET of
// message ids scored by append time; payloads live in a HASH keyed by id.
// Both keys share a TTL refreshed on every append.
type ReplayStore struct {
	client    *redis.Client
	retention time.Duration

	mu        sync.Mutex
	lastScore int64
}

// NewReplayStore creates a replay store over the given Redis client.
// A non-positive retention falls back to DefaultRetention.
func NewReplayStore(client *redis.Client, retention time.Duration) *ReplayStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &ReplayStore{client: client, retention: retention}
}

// nextScore returns a strictly increasing epoch-millis ordering key, so
// two appends within the same millisecond still have distinct positions.
func (r *ReplayStore) nextScore() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= r.lastScore {
		now = r.lastScore + 1
	}
	r.lastScore = now
	return now
}

// Append inserts the entry under the stream key ordered by append time,
// refreshes the key's retention TTL and trims entries that fell out of the
// retention window. It returns the ordering score assigned to the entry.
func (r *ReplayStore) Append(ctx context.Context, key string, e Entry) (int64, error) {
	body, err := sonic.Marshal(e)
	if err != nil {
		return 0, err
	}
	score := r.nextScore()
	zkey := messagesKeyPrefix + key
	hkey := payloadsKeyPrefix + key

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(score), Member: e.ID})
	pipe.HSet(ctx, hkey, e.ID, body)
	pipe.Expire(ctx, zkey, r.retention)
	pipe.Expire(ctx, hkey, r.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	r.trim(ctx, zkey, hkey, score)
	return score, nil
}

// trim drops entries older than the retention window. Best effort: the
// whole-key TTL already bounds worst-case growth.
func (r *ReplayStore) trim(ctx context.Context, zkey, hkey string, now int64) {
	cutoff := now - r.retention.Milliseconds()
	max := "(" + strconv.FormatInt(cutoff, 10)
	expired, err := r.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil || len(expired) == 0 {
		return
	}
	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "-inf", max)
	pipe.HDel(ctx, hkey, expired...)
	_, _ = pipe.Exec(ctx)
}

// ReadAfter returns all entries for the stream key whose ordering score is
// strictly greater than cursor, ascending. Entries older than the
// retention window are never returned even if still present in Redis.
func (r *ReplayStore) ReadAfter(ctx context.Context, key string, cursor int64) ([]Entry, error) {
	floor := time.Now().UnixMilli() - r.retention.Milliseconds()
	if floor > cursor {
		cursor = floor
	}
	zkey := messagesKeyPrefix + key
	hkey := payloadsKeyPrefix + key

	scored, err := r.client.ZRangeByScoreWithScores(ctx, zkey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cursor, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(scored))
	for _, z := range scored {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	payloads, err := r.client.HMGet(ctx, hkey, ids...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for i, raw := range payloads {
		body, ok := raw.(string)
		if !ok {
			// payload already trimmed; skip the orphaned id
			continue
		}
		var e Entry
		if err := sonic.Unmarshal([]byte(body), &e); err != nil {
			return nil, err
		}
		e.Score = int64(scored[i].Score)
		entries = append(entries, e)
	}
	return entries, nil
}

// FrameID builds the SSE frame id clients echo back as Last-Event-ID. The
// numeric prefix is the replay store's own ordering score, which makes the
// reconnect cursor a valid happened-after test; the message id suffix
// keeps it unique.
func FrameID(score int64, messageID string) string {
	return strconv.FormatInt(score, 10) + "-" + messageID
}

// ParseCursor extracts the ordering score from a Last-Event-ID value.
func ParseCursor(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	if i := strings.IndexByte(raw, '-'); i >= 0 {
		raw = raw[:i]
	}
	score, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || score < 0 {
		return 0, false
	}
	return score, true
}
