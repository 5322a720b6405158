// Package errs defines the typed error kinds shared by the elevation
// pipeline. Every failure in the source chain is classified into a Kind so
// that tiers, telemetry, and the HTTP layer can act on errors without string
// matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an elevation pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindIndexNotReady - queried before the unified index finished loading.
	KindIndexNotReady
	// KindSchemaVersion - unified index schema major version mismatch.
	KindSchemaVersion
	// KindBoundsFormat - unparseable bounds record in the index.
	KindBoundsFormat
	// KindRasterMissing - object not found in the bucket.
	KindRasterMissing
	// KindRasterAccess - auth/authorization failure reading the bucket.
	KindRasterAccess
	// KindUnsupportedCRS - no transform available for the raster's CRS.
	KindUnsupportedCRS
	// KindTimeout - deadline exceeded on a single attempt.
	KindTimeout
	// KindTransient - 5xx, connection reset, and similar retriable faults.
	KindTransient
	// KindRateLimited - API rate limit; retriable only if retry-after fits
	// the remaining request budget.
	KindRateLimited
	// KindInvalidInput - lat/lon out of range or malformed request.
	KindInvalidInput
	// KindOverloaded - request rejected because the service queue is full.
	KindOverloaded
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindIndexNotReady:  "index_not_ready",
	KindSchemaVersion:  "schema_version",
	KindBoundsFormat:   "bounds_format",
	KindRasterMissing:  "raster_missing",
	KindRasterAccess:   "raster_access",
	KindUnsupportedCRS: "unsupported_crs",
	KindTimeout:        "timeout",
	KindTransient:      "transient",
	KindRateLimited:    "rate_limited",
	KindInvalidInput:   "invalid_input",
	KindOverloaded:     "overloaded",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Retriable reports whether an attempt that failed with this kind may be
// retried within the same tier. Rate limiting is conditionally retriable;
// the chain decides based on the remaining budget.
func (k Kind) Retriable() bool {
	switch k {
	case KindTimeout, KindTransient, KindRateLimited:
		return true
	}
	return false
}

// Error is a classified pipeline error with optional source attribution.
type Error struct {
	Kind     Kind
	SourceID string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or KindUnknown if err is not a
// classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
