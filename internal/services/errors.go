package services

import (
	"context"
	"errors"
	"net"
	"strings"
)

// IsTransientError 传输层的重试判定：像是基础设施抖动（网络、超时、数据库
// 不可达）的错误让发送方重试整个 webhook（500），其余一律终态（400）。
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	msg := err.Error()
	for _, hint := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"invalid connection",
		"bad connection",
		"timeout",
		"database is locked",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
