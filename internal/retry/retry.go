// Package retry classifies failures of explorer and ledger calls and runs
// bounded exponential retries for the transient ones.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

// Decision is the outcome of Classify. Reason is a stable metric label.
type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

func transient(reason string) Decision { return Decision{Class: ClassTransient, Reason: reason} }
func terminal(reason string) Decision  { return Decision{Class: ClassTerminal, Reason: reason} }

// HTTPStatusCoder is implemented by errors that carry an upstream HTTP status.
type HTTPStatusCoder interface {
	HTTPStatus() int
}

// marked pins a classification chosen by the code that produced err.
type marked struct {
	err      error
	decision Decision
}

func (e *marked) Error() string { return e.err.Error() }
func (e *marked) Unwrap() error { return e.err }

// Transient marks err as worth retrying regardless of its shape.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, decision: transient("explicit_transient")}
}

// Terminal marks err as not worth retrying within this cycle.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, decision: terminal("explicit_terminal")}
}

// rule returns ok=false when it has no opinion about err.
type rule func(err error) (Decision, bool)

// rules run in order; the first opinion wins.
var rules = []rule{
	fromMark,
	fromContext,
	fromHTTPStatus,
	fromGRPCStatus,
	fromNetError,
	fromMessage,
}

// Classify decides whether err is worth retrying. Unknown errors are
// terminal so a bug never turns into a retry storm.
func Classify(err error) Decision {
	if err == nil {
		return terminal("nil_error")
	}
	for _, r := range rules {
		if d, ok := r(err); ok {
			return d
		}
	}
	return terminal("unknown_terminal_default")
}

func fromMark(err error) (Decision, bool) {
	var m *marked
	if errors.As(err, &m) {
		return m.decision, true
	}
	return Decision{}, false
}

func fromContext(err error) (Decision, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return terminal("context_canceled"), true
	case errors.Is(err, context.DeadlineExceeded):
		return transient("context_deadline_exceeded"), true
	}
	return Decision{}, false
}

func fromHTTPStatus(err error) (Decision, bool) {
	var coder HTTPStatusCoder
	if !errors.As(err, &coder) {
		return Decision{}, false
	}
	code := coder.HTTPStatus()
	switch {
	case code == http.StatusTooManyRequests:
		return transient("http_rate_limited"), true
	case code == http.StatusRequestTimeout:
		return transient("http_request_timeout"), true
	case code >= 500:
		return transient("http_server_error"), true
	default:
		return terminal("http_client_error"), true
	}
}

func fromGRPCStatus(err error) (Decision, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.Unknown {
		return Decision{}, false
	}
	reason := "grpc_" + strings.ToLower(st.Code().String())
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return transient(reason), true
	default:
		return terminal(reason), true
	}
}

func fromNetError(err error) (Decision, bool) {
	var netErr net.Error
	if !errors.As(err, &netErr) {
		return Decision{}, false
	}
	if netErr.Timeout() {
		return transient("net_timeout"), true
	}
	return transient("net_error"), true
}

// Explorer APIs often report throttling in a 200 body, so the message is
// the last resort.
func fromMessage(err error) (Decision, bool) {
	msg := strings.ToLower(err.Error())
	for _, tok := range terminalTokens {
		if strings.Contains(msg, tok) {
			return terminal("message_terminal"), true
		}
	}
	for _, tok := range transientTokens {
		if strings.Contains(msg, tok) {
			return transient("message_transient"), true
		}
	}
	return Decision{}, false
}

var transientTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"server closed idle connection",
	"unexpected eof",
}

var terminalTokens = []string{
	"invalid argument",
	"invalid params",
	"invalid api key",
	"invalid address",
	"method not found",
	"not found",
}
