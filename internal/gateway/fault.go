package gateway

import (
	"errors"
	"io"

	"pkt.systems/relayd/internal/admission"
	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/envelope"
	"pkt.systems/relayd/internal/hashchain"
	"pkt.systems/relayd/internal/messagelog"
	"pkt.systems/relayd/internal/ocsp"
	"pkt.systems/relayd/internal/signer"
)

// FaultCode maps a pipeline error to the code carried in fault envelopes.
func FaultCode(err error) string {
	var chainErr *hashchain.ChainError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, envelope.ErrMissingHashAlgorithm),
		errors.Is(err, envelope.ErrDigestMismatch),
		errors.Is(err, envelope.ErrMalformedEnvelope):
		return envelope.FaultCode(err)
	case errors.As(err, &chainErr):
		return "chain_integrity"
	case errors.Is(err, admission.ErrTooManyConnections):
		return "too_many_connections"
	case errors.Is(err, admission.ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ocsp.ErrRevoked):
		return "certificate_revoked"
	case errors.Is(err, ocsp.ErrStatusUnavailable):
		return "certificate_status_unavailable"
	case errors.Is(err, signer.ErrSigningUnavailable):
		return "signing_unavailable"
	case errors.Is(err, signer.ErrSigningRejected), errors.Is(err, signer.ErrUnknownKey):
		return "signing_rejected"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, messagelog.ErrLogHalted):
		return "log_halted"
	case errors.Is(err, messagelog.ErrTimestampingOverdue):
		return "timestamping_overdue"
	case errors.Is(err, messagelog.ErrClosed):
		return "shutting_down"
	default:
		return "internal_error"
	}
}

// faultMessage hides internal detail from peers for server side failures.
func faultMessage(code string, err error) string {
	switch code {
	case "internal_error", "log_halted":
		return "the message could not be processed"
	}
	return err.Error()
}

// WriteFault encodes the fault for err.
func WriteFault(w io.Writer, alg digest.Algorithm, messageID string, err error) error {
	code := FaultCode(err)
	return envelope.WriteFault(w, alg, messageID, code, faultMessage(code, err))
}

// AdmissionFault answers connections refused by the per-address cap.
func AdmissionFault(w io.Writer, rejection *admission.Rejection) error {
	return WriteFault(w, digest.SHA256, "", rejection)
}
