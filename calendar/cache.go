package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/worktime-engine/workday"
)

// DefaultCacheTTL bounds how stale a cached month may get.
const DefaultCacheTTL = 12 * time.Hour

// CachedCalendar serves production days from Redis, one key per
// (region, month). Concurrent misses on the same month share one load.
// Redis failures degrade to reading the source directly.
type CachedCalendar struct {
	src    MonthSource
	rdb    redis.Cmdable
	ttl    time.Duration
	sf     singleflight.Group
	logger *zap.Logger
}

func NewCachedCalendar(src MonthSource, rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *CachedCalendar {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedCalendar{src: src, rdb: rdb, ttl: ttl, logger: logger.Named("calendar.cache")}
}

// MonthKey is the Redis key for one region month.
func MonthKey(regionID workday.RegionID, month workday.Date) string {
	return fmt.Sprintf("calendar:production:%d:%04d-%02d", regionID, month.Year, month.Month)
}

func (c *CachedCalendar) ProductionDay(ctx context.Context, regionID workday.RegionID, d workday.Date) (workday.ProductionDay, error) {
	days, err := c.Month(ctx, regionID, d)
	if err != nil {
		return workday.ProductionDay{}, err
	}
	return pick(days, regionID, d), nil
}

func (c *CachedCalendar) Month(ctx context.Context, regionID workday.RegionID, month workday.Date) ([]workday.ProductionDay, error) {
	key := MonthKey(regionID, month)

	if c.rdb != nil {
		cached, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var days []workday.ProductionDay
			if jsonErr := json.Unmarshal(cached, &days); jsonErr == nil {
				return days, nil
			}
			c.logger.Warn("discarding malformed cached month", zap.String("key", key))
		case !errors.Is(err, redis.Nil):
			c.logger.Warn("redis get failed", zap.String("key", key), zap.Error(err))
		}
	}

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		days, err := c.src.Month(ctx, regionID, month)
		if err != nil {
			return nil, fmt.Errorf("load production month %s: %w", key, err)
		}
		if days == nil {
			days = []workday.ProductionDay{}
		}
		if c.rdb != nil {
			if payload, err := json.Marshal(days); err == nil {
				if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
					c.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
				}
			}
		}
		return days, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]workday.ProductionDay), nil
}

// Invalidate drops a cached month after the calendar is reseeded.
func (c *CachedCalendar) Invalidate(ctx context.Context, regionID workday.RegionID, month workday.Date) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, MonthKey(regionID, month)).Err()
}
