package protocol

import "fmt"

// MalformedPayloadError reports a decoding inconsistency in a request:
// truncation, an unknown tag, fd exhaustion, or an oversized array
// (spec.md §4.1, §7).
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %s", e.Reason)
}

func malformed(format string, a ...interface{}) error {
	return &MalformedPayloadError{Reason: fmt.Sprintf(format, a...)}
}

// IsMalformed reports whether err is (or wraps) a MalformedPayloadError.
func IsMalformed(err error) bool {
	_, ok := err.(*MalformedPayloadError)
	return ok
}
