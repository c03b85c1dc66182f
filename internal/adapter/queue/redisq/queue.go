package redisq

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

// Detail hash field names.
const (
	fieldURL        = "url"
	fieldUID        = "uid"
	fieldPlatform   = "platform"
	fieldDimensions = "dimensions"
	fieldMaterialID = "material_id"
	fieldStatus     = "status"
	fieldMessage    = "message"
	fieldRetryCount = "retry_count"
	fieldCreatedAt  = "created_at"
)

// Publish writes the task-detail hash and pushes the task id onto the head of
// the platform queue in one atomic pipeline.
func (c *Client) Publish(ctx context.Context, platform, taskID string, d domain.TaskDetail) error {
	return c.do(ctx, "publish", func(ctx context.Context, rdb *redis.Client) error {
		pipe := rdb.TxPipeline()
		pipe.HSet(ctx, detailKey(platform, taskID), map[string]any{
			fieldURL:        d.URL,
			fieldUID:        d.UID,
			fieldPlatform:   d.Platform,
			fieldDimensions: d.Dimensions,
			fieldMaterialID: d.MaterialID,
			fieldStatus:     d.Status,
			fieldRetryCount: strconv.Itoa(d.RetryCount),
			fieldCreatedAt:  strconv.FormatInt(d.CreatedAt, 10),
		})
		pipe.LPush(ctx, queueKey(platform), taskID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Pop removes the task id at the tail of the platform queue. ok is false when
// the queue is empty.
func (c *Client) Pop(ctx context.Context, platform string) (string, bool, error) {
	var taskID string
	var found bool
	err := c.do(ctx, "pop", func(ctx context.Context, rdb *redis.Client) error {
		v, err := rdb.RPop(ctx, queueKey(platform)).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		taskID, found = v, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return taskID, found, nil
}

// AcquireLock takes the per-task lock with a TTL. Existence of the key
// denotes exclusive ownership; a false return means another worker holds it.
func (c *Client) AcquireLock(ctx context.Context, platform, taskID string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := c.do(ctx, "acquire_lock", func(ctx context.Context, rdb *redis.Client) error {
		ok, err := rdb.SetNX(ctx, lockKey(platform, taskID), "1", ttl).Result()
		if err != nil {
			return err
		}
		acquired = ok
		return nil
	})
	return acquired, err
}

// ReleaseLock deletes the per-task lock.
func (c *Client) ReleaseLock(ctx context.Context, platform, taskID string) error {
	return c.do(ctx, "release_lock", func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Del(ctx, lockKey(platform, taskID)).Err()
	})
}

// Detail reads the task-detail hash. ok is false when no hash exists, which
// happens after a terminal completion deleted it.
func (c *Client) Detail(ctx context.Context, platform, taskID string) (domain.TaskDetail, bool, error) {
	var d domain.TaskDetail
	var found bool
	err := c.do(ctx, "detail", func(ctx context.Context, rdb *redis.Client) error {
		m, err := rdb.HGetAll(ctx, detailKey(platform, taskID)).Result()
		if err != nil {
			return err
		}
		if len(m) == 0 {
			found = false
			return nil
		}
		retries, _ := strconv.Atoi(m[fieldRetryCount])
		created, _ := strconv.ParseInt(m[fieldCreatedAt], 10, 64)
		d = domain.TaskDetail{
			URL:        m[fieldURL],
			UID:        m[fieldUID],
			Platform:   m[fieldPlatform],
			Dimensions: m[fieldDimensions],
			MaterialID: m[fieldMaterialID],
			Status:     m[fieldStatus],
			Message:    m[fieldMessage],
			RetryCount: retries,
			CreatedAt:  created,
		}
		found = true
		return nil
	})
	return d, found, err
}

// SetDetailStatus updates the current status (and, when non-empty, the last
// message) on the detail hash.
func (c *Client) SetDetailStatus(ctx context.Context, platform, taskID, status, message string) error {
	return c.do(ctx, "set_detail_status", func(ctx context.Context, rdb *redis.Client) error {
		fields := map[string]any{fieldStatus: status}
		if message != "" {
			fields[fieldMessage] = message
		}
		return rdb.HSet(ctx, detailKey(platform, taskID), fields).Err()
	})
}

// IncrRetry bumps the whole-job retry counter and returns the new value.
func (c *Client) IncrRetry(ctx context.Context, platform, taskID string) (int, error) {
	var n int
	err := c.do(ctx, "incr_retry", func(ctx context.Context, rdb *redis.Client) error {
		v, err := rdb.HIncrBy(ctx, detailKey(platform, taskID), fieldRetryCount, 1).Result()
		if err != nil {
			return err
		}
		n = int(v)
		return nil
	})
	return n, err
}

// Requeue pushes the task id back onto the head of the platform queue for
// another attempt.
func (c *Client) Requeue(ctx context.Context, platform, taskID string) error {
	return c.do(ctx, "requeue", func(ctx context.Context, rdb *redis.Client) error {
		return rdb.LPush(ctx, queueKey(platform), taskID).Err()
	})
}

// PushFailed records a task that exhausted its retry budget. The failed list
// is terminal; nothing in the pipeline consumes it.
func (c *Client) PushFailed(ctx context.Context, platform, taskID string) error {
	return c.do(ctx, "push_failed", func(ctx context.Context, rdb *redis.Client) error {
		return rdb.LPush(ctx, failedKey(platform), taskID).Err()
	})
}

// DeleteDetail removes the task-detail hash after a terminal completion.
func (c *Client) DeleteDetail(ctx context.Context, platform, taskID string) error {
	return c.do(ctx, "delete_detail", func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Del(ctx, detailKey(platform, taskID)).Err()
	})
}
