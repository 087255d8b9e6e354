package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"tradingcore/src/config"
)

// Registry publishes this instance's recovery status to redis and holds the
// leader lock that lets a single instance trade.
type Registry struct {
	client     redis.Cmdable
	prefix     string
	instanceID string
	ttl        time.Duration
	logger     *logrus.Entry
	now        func() time.Time
}

// Dial opens a redis client and checks it answers.
func Dial(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

func NewRegistry(client redis.Cmdable, cfg config.RedisConfig, instanceID string, logger *logrus.Entry) *Registry {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Registry{
		client:     client,
		prefix:     cfg.KeyPrefix,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger.WithFields(logrus.Fields{"component": "coordination", "instance_id": instanceID}),
		now:        time.Now,
	}
}

func (r *Registry) instanceKey() string { return r.prefix + ":instance:" + r.instanceID }
func (r *Registry) leaderKey() string   { return r.prefix + ":leader" }

// ReportPhase records recovering, active or crashed for this instance.
func (r *Registry) ReportPhase(ctx context.Context, status string) error {
	key := r.instanceKey()
	if err := r.client.HSet(ctx, key, "status", status, "updated_at", r.now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	r.logger.WithField("status", status).Debug("instance status published")
	return nil
}

// Status reads the last published status of any instance.
func (r *Registry) Status(ctx context.Context, instanceID string) (string, bool, error) {
	val, err := r.client.HGet(ctx, r.prefix+":instance:"+instanceID, "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis hget: %w", err)
	}
	return val, true, nil
}

// AcquireLeadership takes or renews the leader lock.
func (r *Registry) AcquireLeadership(ctx context.Context) (bool, error) {
	key := r.leaderKey()
	ok, err := r.client.SetNX(ctx, key, r.instanceID, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if ok {
		r.logger.Info("leadership acquired")
		return true, nil
	}

	holder, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if holder != r.instanceID {
		return false, nil
	}
	if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		return false, fmt.Errorf("redis expire %s: %w", key, err)
	}
	return true, nil
}

// ReleaseLeadership drops the lock if this instance holds it.
func (r *Registry) ReleaseLeadership(ctx context.Context) error {
	key := r.leaderKey()
	holder, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if holder != r.instanceID {
		return nil
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	r.logger.Info("leadership released")
	return nil
}

// Heartbeat keeps the instance key alive until ctx is done.
func (r *Registry) Heartbeat(ctx context.Context, status func() string) error {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.ReportPhase(ctx, status()); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}
