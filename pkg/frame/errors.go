package frame

import "fmt"

// DecodeErrorCode classifies why a received line was rejected. The codes are
// stable and feed the driver's error-rate accounting.
type DecodeErrorCode uint8

const (
	// Malformed covers structural damage: wrong field count, unparsable
	// numbers, an invalid kind, or payload bytes outside the encoding
	// alphabet.
	Malformed DecodeErrorCode = iota + 1

	// LengthMismatch means the declared encoded length disagrees with the
	// bytes actually present, typically a truncated or split line.
	LengthMismatch

	// DigestMismatch means the payload decoded cleanly but its digest does
	// not match, i.e. the content was corrupted in transit.
	DigestMismatch
)

func (c DecodeErrorCode) String() string {
	switch c {
	case Malformed:
		return "malformed"
	case LengthMismatch:
		return "length mismatch"
	case DigestMismatch:
		return "digest mismatch"
	}
	return fmt.Sprintf("decode error (%d)", uint8(c))
}

// DecodeError is the only error type returned by Decode.
type DecodeError struct {
	Code DecodeErrorCode
	Msg  string
}

func (e *DecodeError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("frame: %s", e.Code)
	}
	return fmt.Sprintf("frame: %s: %s", e.Code, e.Msg)
}

func newDecodeError(code DecodeErrorCode, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// AsDecodeError reports whether err is a DecodeError and returns it if so.
func AsDecodeError(err error) (*DecodeError, bool) {
	if err == nil {
		return nil, false
	}
	de, ok := err.(*DecodeError)
	return de, ok
}
