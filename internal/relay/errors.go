package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies why a relayed request did not complete normally.
type Kind string

const (
	KindRouting          Kind = "routing"
	KindUpstreamConnect  Kind = "upstream_connect"
	KindUpstreamTimeout  Kind = "upstream_timeout"
	KindUpstreamProtocol Kind = "upstream_protocol"
	KindUpstreamRead     Kind = "upstream_read"
	KindClientDisconnect Kind = "client_disconnect"
	KindSink             Kind = "sink"
	// KindUpstreamException marks a stream that carried an exception
	// envelope after the status line was sent.
	KindUpstreamException Kind = "upstream_exception"
)

var (
	// ErrIdleTimeout reports that the upstream sent nothing for longer than
	// the configured idle-read timeout.
	ErrIdleTimeout = errors.New("upstream idle read timeout")
	// ErrClientDisconnected reports a failed write to the client or a
	// canceled inbound request.
	ErrClientDisconnected = errors.New("client disconnected")
)

// Error is a classified relay failure. Status is the HTTP status to send when
// no response bytes have reached the client yet; it is zero when the failure
// does not change the client-visible status.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RoutingError builds a client-facing routing failure.
func RoutingError(status int, format string, args ...any) *Error {
	if status == 0 {
		status = http.StatusNotFound
	}
	return &Error{Kind: KindRouting, Status: status, Message: fmt.Sprintf(format, args...)}
}

// ConnectError classifies a failure to obtain upstream response headers.
func ConnectError(err error) *Error {
	if IsTimeout(err) {
		return &Error{Kind: KindUpstreamTimeout, Status: http.StatusGatewayTimeout, Message: "upstream timed out", Err: err}
	}
	return &Error{Kind: KindUpstreamConnect, Status: http.StatusBadGateway, Message: "upstream request failed", Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	return ""
}

// StatusOf returns the status carried by err, defaulting to 502.
func StatusOf(err error) int {
	var relayErr *Error
	if errors.As(err, &relayErr) && relayErr.Status != 0 {
		return relayErr.Status
	}
	return http.StatusBadGateway
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrIdleTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
