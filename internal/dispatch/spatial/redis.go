package spatial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/geodispatch/internal/dispatch/domain"
)

const (
	defaultRedisPrefix = "dispatch:agents"
	// Redis GEO only encodes latitudes inside the Web Mercator band.
	maxRedisGeoLat = 85.05112878
)

var errInvalidGeoResult = errors.New("invalid geo search result")

// upsertScript applies a position report unless a newer one is stored.
// Status fields only move forward in version.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
local ver = redis.call('HGET', KEYS[2], 'ver')
if (not ver) or tonumber(ver) <= tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[2], 'status', ARGV[2], 'ver', ARGV[3])
end
redis.call('HSET', KEYS[2], 'ts', ARGV[1], 'tags', ARGV[4])
redis.call('GEOADD', KEYS[1], ARGV[5], ARGV[6], ARGV[7])
return 1
`)

var statusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local ver = redis.call('HGET', KEYS[1], 'ver')
if ver and tonumber(ver) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'ver', ARGV[2])
return 1
`)

// RedisIndex implements Index with Redis GEO commands so several dispatch
// instances can share one projection. Report timestamps are compared at
// millisecond resolution.
type RedisIndex struct {
	client redis.Cmdable
	prefix string
}

// NewRedisIndex constructs a Redis-backed index.
func NewRedisIndex(client redis.Cmdable, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) geoKey() string { return r.prefix + ":geo" }

func (r *RedisIndex) agentKey(id string) string { return r.prefix + ":agent:" + id }

// Upsert implements Index.
func (r *RedisIndex) Upsert(ctx context.Context, e Entry) (bool, error) {
	if r == nil || r.client == nil {
		return false, errors.New("redis index not configured")
	}
	if e.AgentID == "" {
		return false, fmt.Errorf("%w: agent id required", domain.ErrInvalidArgument)
	}
	if !e.Position.Valid() || math.Abs(e.Position.Lat) > maxRedisGeoLat {
		return false, fmt.Errorf("%w: position %v", domain.ErrInvalidArgument, e.Position)
	}
	tags, err := json.Marshal(e.Tags.Slice())
	if err != nil {
		return false, fmt.Errorf("encode tags: %w", err)
	}
	applied, err := upsertScript.Run(ctx, r.client,
		[]string{r.geoKey(), r.agentKey(e.AgentID)},
		e.ReportedAt.UnixMilli(), string(e.Status), e.Version, string(tags),
		e.Position.Lng, e.Position.Lat, e.AgentID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis upsert: %w", err)
	}
	if applied == 0 {
		staleUpdates.WithLabelValues("redis").Inc()
		return false, nil
	}
	return true, nil
}

// UpdateStatus implements Index.
func (r *RedisIndex) UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus, version int64) error {
	if err := statusScript.Run(ctx, r.client, []string{r.agentKey(agentID)}, string(status), version).Err(); err != nil {
		return fmt.Errorf("redis status: %w", err)
	}
	return nil
}

// Remove implements Index.
func (r *RedisIndex) Remove(ctx context.Context, agentID string) error {
	if err := r.client.ZRem(ctx, r.geoKey(), agentID).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	if err := r.client.Del(ctx, r.agentKey(agentID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// QueryNearest implements Index. Redis narrows the search to the radius; the
// availability and tag filter, the exact distance and the tie-break happen
// here.
func (r *RedisIndex) QueryNearest(ctx context.Context, point domain.GeoPoint, radiusMeters float64, required domain.TagSet, limit int) ([]Candidate, error) {
	if limit <= 0 || radiusMeters <= 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() { queryDuration.WithLabelValues("redis").Observe(time.Since(start).Seconds()) }()

	hits, err := r.client.GeoRadius(ctx, r.geoKey(), point.Lng, point.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	meta := make([]*redis.SliceCmd, len(hits))
	for i, hit := range hits {
		meta[i] = pipe.HMGet(ctx, r.agentKey(hit.Name), "status", "tags")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis agent meta: %w", err)
	}

	out := make([]Candidate, 0, len(hits))
	for i, hit := range hits {
		if hit.Name == "" {
			return nil, errInvalidGeoResult
		}
		values, err := meta[i].Result()
		if err != nil || len(values) != 2 {
			continue
		}
		status, _ := values[0].(string)
		rawTags, _ := values[1].(string)
		var tags []string
		if rawTags != "" {
			if err := json.Unmarshal([]byte(rawTags), &tags); err != nil {
				return nil, fmt.Errorf("%w: tags of %s", errInvalidGeoResult, hit.Name)
			}
		}
		if !eligible(domain.AgentStatus(status), domain.NewTagSet(tags...), required) {
			continue
		}
		pos := domain.GeoPoint{Lat: hit.Latitude, Lng: hit.Longitude}
		d := domain.DistanceMeters(point, pos)
		if d > radiusMeters {
			continue
		}
		out = append(out, Candidate{AgentID: hit.Name, Position: pos, DistanceMeters: d})
	}
	sortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Compile-time checks.
var (
	_ Index = (*GridIndex)(nil)
	_ Index = (*RedisIndex)(nil)
)
