package redisq

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
)

// Retryable classifies a queue-substrate error. Connection-level failures and
// transient server conditions are recoverable by replay; authentication
// failures and any other server response error are fatal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fatal := range []string{"noauth", "wrongpass", "invalid password", "invalid username"} {
		if strings.Contains(msg, fatal) {
			return false
		}
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, transient := range []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"i/o timeout",
		"broken pipe",
		"use of closed network connection",
		"loading redis is loading the dataset in memory",
		"readonly you can't write against a read only replica",
		"oom command not allowed",
		"max number of clients reached",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	// Any other server response error is fatal.
	return false
}
