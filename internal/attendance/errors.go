package attendance

import "fmt"

// Kind identifies a distinct verification failure. Every kind maps to its own
// HTTP status and message; callers must never collapse two kinds into one.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindNoFaceDetected      Kind = "no_face_detected"
	KindExtractionFailed    Kind = "extraction_failed"
	KindNoMatchFound        Kind = "no_match_found"
	KindPopulationEmpty     Kind = "population_empty"
	KindSelfMarkOnly        Kind = "self_mark_only"
	KindGroupMismatch       Kind = "group_mismatch"
	KindWindowClosed        Kind = "window_closed"
	KindLocationUnavailable Kind = "location_unavailable"
	KindOutOfBounds         Kind = "out_of_bounds"
	KindStorageConflict     Kind = "storage_conflict"
)

// Error is a verification failure with a machine-readable kind.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errf builds an Error with a formatted message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or empty when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}
