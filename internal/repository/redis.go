package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/GoPolymarket/capsettle/internal/config"
	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	Client *redis.Client
}

func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{Client: rdb}, nil
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisJobLocker gives cross-replica mutual exclusion per job name.
type RedisJobLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisJobLocker(client *RedisClient) *RedisJobLocker {
	return &RedisJobLocker{client: client.Client, prefix: "capsettle:job_lock:"}
}

// TryLock takes the lock for name. ok is false when another holder has it.
func (l *RedisJobLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err = l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, ok, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, true, nil
}

// RedisReportRepo keeps a capped list of run reports, newest first.
type RedisReportRepo struct {
	client  *redis.Client
	listKey string
	listMax int64
}

func NewRedisReportRepo(client *RedisClient, listKey string, listMax int64) *RedisReportRepo {
	if listKey == "" {
		listKey = "capsettle:run_reports"
	}
	if listMax <= 0 {
		listMax = 1000
	}
	return &RedisReportRepo{client: client.Client, listKey: listKey, listMax: listMax}
}

func (r *RedisReportRepo) Insert(ctx context.Context, report *model.RunReport) error {
	if report == nil {
		return nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.listKey, payload)
	pipe.LTrim(ctx, r.listKey, 0, r.listMax-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisReportRepo) List(ctx context.Context, job string, limit int) ([]*model.RunReport, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	fetch := int64(limit) * 4
	if fetch > r.listMax {
		fetch = r.listMax
	}
	items, err := r.client.LRange(ctx, r.listKey, 0, fetch-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.RunReport, 0, limit)
	for _, raw := range items {
		var report model.RunReport
		if err := json.Unmarshal([]byte(raw), &report); err != nil {
			continue
		}
		if job != "" && report.Job != job {
			continue
		}
		out = append(out, &report)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
