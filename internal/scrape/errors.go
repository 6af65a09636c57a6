package scrape

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownAggregator reports a feed naming an adapter nobody registered.
var ErrUnknownAggregator = errors.New("unknown aggregator")

// Kind classifies scraper failures so callers branch on structure instead
// of matching message substrings.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNetwork        Kind = "network"
	KindParse          Kind = "parse"
	KindAuthentication Kind = "authentication"
	KindTimeout        Kind = "timeout"
	KindUnknown        Kind = "unknown"
)

// Error is a classified scraper failure. Adapters wrap their underlying
// errors in one; the preview surface maps Kind to an errorType.
type Error struct {
	Kind Kind
	Op   string // adapter operation, e.g. "initialize", "aggregate"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error in one call.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification from err. Deadline expiry counts as
// a timeout even when the adapter returned the raw context error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
