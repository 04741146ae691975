package sequencer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"inkwell/api/internal/backend"
)

// Kind is the closed set of failure classes surfaced to the transcript.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindRateLimit  Kind = "rateLimit"
	KindBadRequest Kind = "badRequest"
	KindServer     Kind = "server"
	KindUnknown    Kind = "unknown"
)

var messages = map[Kind]string{
	KindAuth:       "Your session has expired or you are not signed in. Please sign in again to keep working with the assistant.",
	KindNetwork:    "I couldn't reach the writing assistant. Check your connection and send your message again.",
	KindTimeout:    "The assistant took too long to answer. Please try sending your message again.",
	KindRateLimit:  "The assistant is handling a lot of requests right now. Wait a moment and try again.",
	KindBadRequest: "The assistant couldn't process that request. Try rephrasing your message.",
	KindServer:     "The assistant ran into a problem on its side. Please try again in a moment.",
	KindUnknown:    "Something went wrong while talking to the assistant. Please try again.",
}

const tooLongMessage = "That request is too long for the assistant. Shorten your message or highlight a smaller passage and try again."

// Failure is a classified backend failure. Consumers only ever see this type.
// TooLong marks the badRequest case where the payload was over the size limit.
type Failure struct {
	Kind    Kind   `json:"kind"`
	TooLong bool   `json:"tooLong,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"-"`
	err     error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	}
	return string(f.Kind)
}

func (f *Failure) Unwrap() error { return f.err }

// Banner reports whether the failure needs an out-of-band action.
func (f *Failure) Banner() bool { return f.Kind == KindAuth }

// Retryable reports whether resending the same message can succeed.
func (f *Failure) Retryable() bool { return f.Kind != KindAuth && !f.TooLong }

// Classify maps a transport error to a Failure. Structured information is
// consulted first; message text is only inspected when nothing else is known.
// A 413, or a 400 for a payload above maxChars, is a TooLong badRequest.
func Classify(err error, payloadChars, maxChars int) *Failure {
	if err == nil {
		return nil
	}
	var existing *Failure
	if errors.As(err, &existing) {
		return existing
	}

	kind, status := classifyStructured(err)
	if kind == KindUnknown {
		kind = classifyText(err.Error())
	}
	failure := &Failure{
		Kind:    kind,
		Status:  status,
		Message: messages[kind],
		Detail:  err.Error(),
		err:     err,
	}
	if kind == KindBadRequest && tooLong(status, payloadChars, maxChars) {
		failure.TooLong = true
		failure.Message = tooLongMessage
	}
	return failure
}

func tooLong(status, payloadChars, maxChars int) bool {
	switch status {
	case http.StatusRequestEntityTooLarge:
		return true
	case http.StatusBadRequest:
		return maxChars > 0 && payloadChars > maxChars
	}
	return false
}

func classifyStructured(err error) (Kind, int) {
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.Status), statusErr.Status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, 0
	}
	if errors.Is(err, backend.ErrAcceptRejected) {
		return KindBadRequest, 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, 0
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindNetwork, 0
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork, 0
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork, 0
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork, 0
	}
	return KindUnknown, 0
}

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindBadRequest
	}
	return KindUnknown
}

func classifyText(message string) Kind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "network"), strings.Contains(lower, "connection refused"), strings.Contains(lower, "no such host"):
		return KindNetwork
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return KindTimeout
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "forbidden"):
		return KindAuth
	case strings.Contains(lower, "too many requests"), strings.Contains(lower, "rate limit"):
		return KindRateLimit
	}
	return KindUnknown
}
