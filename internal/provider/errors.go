package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind is the closed classification of a provider failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindGone
	KindThrottled
	KindServerError
	KindNetworkError
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindGone:
		return "gone"
	case KindThrottled:
		return "throttled"
	case KindServerError:
		return "server_error"
	case KindNetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind may succeed on retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindThrottled, KindServerError, KindNetworkError:
		return true
	default:
		return false
	}
}

var (
	ErrUnauthorized  = errors.New("provider: unauthorized")
	ErrForbidden     = errors.New("provider: forbidden")
	ErrNotFound      = errors.New("provider: not found")
	ErrGone          = errors.New("provider: cursor gone")
	ErrThrottled     = errors.New("provider: throttled")
	ErrServerError   = errors.New("provider: server error")
	ErrNetwork       = errors.New("provider: network error")
	ErrUnknown       = errors.New("provider: unknown failure")
	ErrMalformedPage = errors.New("provider: malformed page")
)

// goneCodes are provider error codes that mean the sync cursor is no longer valid.
var goneCodes = []string{
	"syncstatenotfound",
	"syncstateinvalid",
	"resyncrequired",
	"valid-sync-token",
}

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("provider ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

func sentinelFor(k Kind) error {
	switch k {
	case KindUnauthorized:
		return ErrUnauthorized
	case KindForbidden:
		return ErrForbidden
	case KindNotFound:
		return ErrNotFound
	case KindGone:
		return ErrGone
	case KindThrottled:
		return ErrThrottled
	case KindServerError:
		return ErrServerError
	case KindNetworkError:
		return ErrNetwork
	default:
		return ErrUnknown
	}
}

// Classify returns the classification of err. Errors that were not produced
// by FromResponse or NewNetworkError are inspected once here: timeouts and
// transport failures are network errors, context cancellation and anything
// else are unknown.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindUnknown, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindNetworkError, Err: err}
	}
	return &Error{Kind: KindUnknown, Err: err}
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(err error) *Error {
	return &Error{Kind: KindNetworkError, Err: err}
}

// FromStatus classifies an HTTP status with an optional provider error code.
func FromStatus(status int, code, message string, header http.Header) *Error {
	e := &Error{StatusCode: status, Code: code, Message: message}
	switch {
	case isGoneCode(code) || isGoneCode(message):
		e.Kind = KindGone
	case status == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
	case status == http.StatusForbidden:
		e.Kind = KindForbidden
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusGone:
		e.Kind = KindGone
	case status == http.StatusTooManyRequests:
		e.Kind = KindThrottled
		e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"))
	case status >= 500 && status <= 599:
		e.Kind = KindServerError
		// Graph signals service-level throttling as 503 with a wait hint.
		if retryAfter := ParseRetryAfter(header.Get("Retry-After")); retryAfter > 0 {
			e.Kind = KindThrottled
			e.RetryAfter = retryAfter
		}
	default:
		e.Kind = KindUnknown
	}
	return e
}

// FromResponse classifies a non-2xx response. body is the already-read
// response body; a Graph style {"error":{"code","message"}} payload is
// decoded when present.
func FromResponse(resp *http.Response, body []byte) *Error {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	code, message := "", ""
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		code = payload.Error.Code
		message = payload.Error.Message
	} else if len(body) > 0 {
		message = strings.TrimSpace(string(body))
		if len(message) > 512 {
			message = message[:512]
		}
	}
	return FromStatus(resp.StatusCode, code, message, resp.Header)
}

func isGoneCode(s string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, code := range goneCodes {
		if strings.Contains(lower, code) {
			return true
		}
	}
	return false
}

// ParseRetryAfter parses a Retry-After header given as seconds or an HTTP date.
// Zero is returned when the header is absent or unparseable.
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}
