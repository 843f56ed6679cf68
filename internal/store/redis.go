package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cardwatch/txn-sentinel/internal/config"
	"github.com/cardwatch/txn-sentinel/internal/models"
	"github.com/cardwatch/txn-sentinel/internal/utils"
)

// bucketKeyPrefix namespaces the per-minute hash buckets.
const bucketKeyPrefix = "txn:counts:"

// RedisStore keeps per-minute transaction status counts in Redis.
//
// Each minute maps to one hash (status -> count) keyed by its unix minute.
// Buckets expire after the configured retention so the keyspace stays
// bounded without a cleanup job.
type RedisStore struct {
	logger    *slog.Logger
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore connects to Redis and pings it so misconfiguration fails at
// startup rather than on the first tick.
func NewRedisStore(logger *slog.Logger, cfg config.StoreConfig) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, utils.NewAppError("store.connect", "redis unreachable", err)
	}

	retention := time.Duration(cfg.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	return &RedisStore{
		logger:    logger,
		client:    client,
		retention: retention,
		now:       time.Now,
	}, nil
}

// InsertCounts adds the records to their minute buckets. Records with a
// non-positive count are skipped.
func (s *RedisStore) InsertCounts(ctx context.Context, records []models.TransactionRecord) (int, error) {
	pipe := s.client.Pipeline()
	inserted := 0
	for _, rec := range records {
		if rec.Status == "" || rec.Count <= 0 {
			continue
		}
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		key := bucketKey(utils.MinuteBucket(ts))
		pipe.HIncrBy(ctx, key, rec.Status, int64(rec.Count))
		pipe.Expire(ctx, key, s.retention)
		inserted++
	}
	if inserted == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("insert counts: %w", err)
	}
	return inserted, nil
}

// StatusCountsAt returns counts aggregated over the trailing `minutes`
// buckets including the current minute. Empty map when no data.
func (s *RedisStore) StatusCountsAt(ctx context.Context, minutes int) (models.StatusCount, error) {
	nowMin := utils.MinuteBucket(s.now())
	buckets, _, err := s.readBuckets(ctx, nowMin-int64(minutes)+1, nowMin)
	if err != nil {
		return nil, err
	}

	counts := models.StatusCount{}
	for _, bucket := range buckets {
		for status, n := range bucket {
			counts[status] += n
		}
	}
	return counts, nil
}

// HistoryWindow returns one StatusCount per trailing minute before the
// current bucket, oldest first. Minutes with no data are omitted, so the
// result length reflects how much baseline actually exists.
func (s *RedisStore) HistoryWindow(ctx context.Context, minutes int) (models.HistoryWindow, error) {
	nowMin := utils.MinuteBucket(s.now())
	buckets, _, err := s.readBuckets(ctx, nowMin-int64(minutes), nowMin-1)
	if err != nil {
		return nil, err
	}
	return models.HistoryWindow(buckets), nil
}

// Summary aggregates per-status totals over the trailing window, largest
// totals first.
func (s *RedisStore) Summary(ctx context.Context, minutes int) ([]models.StatusSummary, error) {
	nowMin := utils.MinuteBucket(s.now())
	buckets, _, err := s.readBuckets(ctx, nowMin-int64(minutes)+1, nowMin)
	if err != nil {
		return nil, err
	}

	type agg struct {
		total, max, min, points int
	}
	stats := make(map[string]*agg)
	for _, bucket := range buckets {
		for status, n := range bucket {
			a, ok := stats[status]
			if !ok {
				a = &agg{min: n, max: n}
				stats[status] = a
			}
			a.total += n
			a.points++
			if n > a.max {
				a.max = n
			}
			if n < a.min {
				a.min = n
			}
		}
	}

	summaries := make([]models.StatusSummary, 0, len(stats))
	for status, a := range stats {
		summaries = append(summaries, models.StatusSummary{
			Status:     status,
			Total:      a.total,
			AvgPerMin:  float64(a.total) / float64(a.points),
			MaxCount:   a.max,
			MinCount:   a.min,
			DataPoints: a.points,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Total > summaries[j].Total })
	return summaries, nil
}

// Rates returns the per-minute count series over the trailing window,
// oldest first, for dashboards.
func (s *RedisStore) Rates(ctx context.Context, minutes int) ([]models.RatePoint, error) {
	nowMin := utils.MinuteBucket(s.now())
	buckets, stamps, err := s.readBuckets(ctx, nowMin-int64(minutes)+1, nowMin)
	if err != nil {
		return nil, err
	}

	points := make([]models.RatePoint, 0, len(buckets))
	for i, bucket := range buckets {
		points = append(points, models.RatePoint{Timestamp: stamps[i], Counts: bucket})
	}
	return points, nil
}

// Ping probes store connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client's connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// readBuckets fetches the hash for every minute in [first, last], skipping
// minutes without data. Returned slices are parallel and oldest first.
func (s *RedisStore) readBuckets(ctx context.Context, first, last int64) ([]models.StatusCount, []time.Time, error) {
	if first > last {
		return nil, nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, 0, last-first+1)
	for m := first; m <= last; m++ {
		cmds = append(cmds, pipe.HGetAll(ctx, bucketKey(m)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, nil, fmt.Errorf("read buckets: %w", err)
	}

	buckets := make([]models.StatusCount, 0, len(cmds))
	stamps := make([]time.Time, 0, len(cmds))
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil || len(raw) == 0 {
			continue
		}
		counts := make(models.StatusCount, len(raw))
		for status, v := range raw {
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				s.logger.Warn("malformed count in store",
					slog.String("status", status), slog.String("value", v))
				continue
			}
			counts[status] = n
		}
		if len(counts) == 0 {
			continue
		}
		buckets = append(buckets, counts)
		stamps = append(stamps, utils.BucketTime(first+int64(i)))
	}
	return buckets, stamps, nil
}

func bucketKey(minute int64) string {
	return fmt.Sprintf("%s%d", bucketKeyPrefix, minute)
}
