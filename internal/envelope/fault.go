package envelope

import (
	"encoding/json"
	"fmt"
	"io"

	"pkt.systems/relayd/internal/digest"
)

// FaultContentType marks the single part of a fault envelope.
const FaultContentType = "application/vnd.relayd.fault+json"

// Fault is a terminal error reported to the peer.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("envelope: fault %s: %s", f.Code, f.Message)
}

// NewFault builds a one-part fault envelope.
func NewFault(alg digest.Algorithm, messageID, code, message string) *Envelope {
	if !alg.Valid() {
		alg = digest.SHA256
	}
	raw, _ := json.Marshal(Fault{Code: code, Message: message})
	env := New(alg, messageID)
	env.AddBytes("fault", FaultContentType, raw)
	return env
}

// WriteFault encodes a fault envelope to w.
func WriteFault(w io.Writer, alg digest.Algorithm, messageID, code, message string) error {
	env := NewFault(alg, messageID, code, message)
	defer env.Close()
	return Encode(w, env)
}

// Fault returns the fault carried by env, if env is a fault envelope.
func (e *Envelope) Fault() (*Fault, bool) {
	parts := e.PartsByType(FaultContentType)
	if len(parts) == 0 {
		return nil, false
	}
	raw, err := parts[0].Bytes()
	if err != nil {
		return &Fault{Code: "unreadable_fault", Message: err.Error()}, true
	}
	var f Fault
	if err := json.Unmarshal(raw, &f); err != nil {
		return &Fault{Code: "unreadable_fault", Message: err.Error()}, true
	}
	return &f, true
}
