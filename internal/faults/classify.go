package faults

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"
)

// Classify maps a raw error to a Kind by inspecting its type and message.
// It is the fallback for errors produced outside this package; components
// that know their failure mode construct *Error values directly.
func Classify(err error) Kind {
	if err == nil {
		return KindSandboxFailed
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindNetworkTimeout
		}
		return KindNetworkConnection
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, fs.ErrNotExist) {
		return KindFileNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return KindLLMRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindNetworkTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "no such host"):
		return KindNetworkConnection
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return KindGitAuthFailed
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "not found"):
		return KindFileNotFound
	case strings.Contains(msg, "invalid character"), strings.Contains(msg, "unexpected end of json"):
		return KindLLMInvalidResponse
	}

	// Unmatched errors are treated as unrecoverable execution failures.
	return KindSandboxFailed
}
