package gateway

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/openai/openai-go"
)

// classifyError maps a provider call error onto the failure taxonomy.
// HTTP status wins when present; transport errors are split into timeout,
// offline, and unreachable sub-kinds.
func classifyError(err error) FailureKind {
	if err == nil {
		return FailNone
	}

	if status, ok := statusCode(err); ok {
		switch {
		case status == 401 || status == 403:
			return FailConfiguration
		case status == 429:
			return FailRateLimited
		case status >= 400 && status < 500:
			return FailMalformedRequest
		default:
			return FailNetworkUnreached
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailNetworkTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailNetworkOffline
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return FailNetworkUnreached
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailNetworkUnreached
	}

	// Body/shape problems from the SDK decoding layer.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unmarshal") || strings.Contains(msg, "decode") || strings.Contains(msg, "unexpected") {
		return FailMalformedResponse
	}
	return FailNetworkUnreached
}

// statusCode extracts an HTTP status from either SDK's API error type.
func statusCode(err error) (int, bool) {
	var oerr *openai.Error
	if errors.As(err, &oerr) && oerr != nil {
		return oerr.StatusCode, true
	}
	var aerr *anthropic.Error
	if errors.As(err, &aerr) && aerr != nil {
		return aerr.StatusCode, true
	}
	return 0, false
}
