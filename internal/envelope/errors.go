package envelope

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingHashAlgorithm is returned when the envelope omits X-Hash-Algorithm.
	ErrMissingHashAlgorithm = errors.New("envelope: missing hash algorithm")
	// ErrDigestMismatch is returned when a part's payload does not match its declared digest.
	ErrDigestMismatch = errors.New("envelope: digest mismatch")
	// ErrMalformedEnvelope classifies every structural parse failure.
	ErrMalformedEnvelope = errors.New("envelope: malformed")

	errTooLarge = errors.New("size limit exceeded")
)

// State is a position of the streaming parser.
type State uint8

const (
	StateReadingHeaders State = iota
	StateReadingBoundaryPart
	StateReadingTrailer
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateReadingHeaders:
		return "reading_headers"
	case StateReadingBoundaryPart:
		return "reading_boundary_part"
	case StateReadingTrailer:
		return "reading_trailer"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MalformedError describes a structural parse failure. It matches
// ErrMalformedEnvelope with errors.Is.
type MalformedError struct {
	State  State
	Part   int
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	msg := fmt.Sprintf("envelope: malformed while %s", e.State)
	if e.State == StateReadingBoundaryPart {
		msg += fmt.Sprintf(" (part %d)", e.Part)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Is reports ErrMalformedEnvelope as a match.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedEnvelope
}

// FaultCode maps a parse error to the code carried in a fault envelope.
func FaultCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingHashAlgorithm):
		return "missing_hash_algorithm"
	case errors.Is(err, ErrDigestMismatch):
		return "digest_mismatch"
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed_envelope"
	default:
		return "internal_error"
	}
}
