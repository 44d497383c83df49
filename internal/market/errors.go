package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

type Kind string

const (
	KindAuth       Kind = "AuthError"
	KindNotFound   Kind = "NotFound"
	KindTransient  Kind = "TransientError"
	KindUnexpected Kind = "Unexpected"
)

// FetchError is what providers return so callers can tell a bad credential
// from a missing symbol from a flaky network.
type FetchError struct {
	Kind     Kind
	Provider string
	Symbols  []string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if b.Len() == 0 {
		b.WriteString("market")
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if len(e.Symbols) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Symbols, ","))
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

func NewError(kind Kind, provider string, symbols []string, err error) *FetchError {
	return &FetchError{Kind: kind, Provider: provider, Symbols: symbols, Err: err}
}

func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if IsRetryableNetErr(err) {
		return KindTransient
	}
	return KindUnexpected
}

func IsAuth(err error) bool      { return err != nil && KindOf(err) == KindAuth }
func IsNotFound(err error) bool  { return err != nil && KindOf(err) == KindNotFound }
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// Classify wraps a raw error into a FetchError. Errors that already carry a
// kind are returned unchanged.
func Classify(provider string, symbols []string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return NewError(KindOf(err), provider, symbols, err)
}

// IsRetryableNetErr reports timeouts, EOFs and resets.
func IsRetryableNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "reset by peer") || strings.Contains(msg, "connection refused") {
		return true
	}
	return false
}
