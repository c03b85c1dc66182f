package redisq

import "fmt"

// Key layout. All coordination state for a platform shares one prefix so a
// worker cohort can be pointed at a single queue.
func queueKey(platform string) string { return platform + ":task_queue" }

func failedKey(platform string) string { return platform + ":task_queue_failed" }

func detailKey(platform, taskID string) string {
	return fmt.Sprintf("%s:task_info:%s", platform, taskID)
}

func lockKey(platform, taskID string) string {
	return fmt.Sprintf("%s:task_queue_lock:%s", platform, taskID)
}
