package messagelog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/hashchain"
)

const (
	frameMagic   = uint32(0x474f4c52) // "RLOG"
	frameVersion = uint8(1)
	// HeaderSize is the fixed size of a frame header.
	HeaderSize = 32
	// MaxPayload bounds a single record payload.
	MaxPayload = 64 << 20
)

// RecordType identifies the payload of a frame.
type RecordType uint8

const (
	RecordSignature RecordType = iota + 1
	RecordTimestamp
)

func (t RecordType) String() string {
	switch t {
	case RecordSignature:
		return "signature"
	case RecordTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// SignatureRecord is the evidence stored for one relayed message.
type SignatureRecord struct {
	Sequence   uint64              `json:"sequence"`
	MessageID  string              `json:"message_id"`
	Manifest   *hashchain.Manifest `json:"manifest"`
	Signature  []byte              `json:"signature"`
	KeyID      string              `json:"key_id,omitempty"`
	SignerCert string              `json:"signer_cert,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// TimestampRecord binds a batch of signature records to one token.
type TimestampRecord struct {
	Sequence    uint64              `json:"sequence"`
	Covers      []uint64            `json:"covers"`
	MessageIDs  []string            `json:"message_ids"`
	Algorithm   digest.Algorithm    `json:"algorithm"`
	BatchDigest []byte              `json:"batch_digest"`
	Manifest    *hashchain.Manifest `json:"manifest"`
	Token       []byte              `json:"token"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Frame is one record as stored on disk.
type Frame struct {
	Type      RecordType
	Sequence  uint64
	CreatedAt time.Time
	Payload   []byte
	// Raw is the header followed by the payload.
	Raw []byte
	// Offset is the frame position inside its segment.
	Offset int64
}

// Signature decodes a signature frame.
func (f Frame) Signature() (*SignatureRecord, error) {
	if f.Type != RecordSignature {
		return nil, fmt.Errorf("messagelog: frame %d is a %s record", f.Sequence, f.Type)
	}
	var rec SignatureRecord
	if err := json.Unmarshal(f.Payload, &rec); err != nil {
		return nil, fmt.Errorf("messagelog: decode signature record %d: %w", f.Sequence, err)
	}
	return &rec, nil
}

// Timestamp decodes a timestamp frame.
func (f Frame) Timestamp() (*TimestampRecord, error) {
	if f.Type != RecordTimestamp {
		return nil, fmt.Errorf("messagelog: frame %d is a %s record", f.Sequence, f.Type)
	}
	var rec TimestampRecord
	if err := json.Unmarshal(f.Payload, &rec); err != nil {
		return nil, fmt.Errorf("messagelog: decode timestamp record %d: %w", f.Sequence, err)
	}
	return &rec, nil
}

type frameHeader struct {
	recType    RecordType
	seq        uint64
	payloadLen uint32
	payloadCRC uint32
	createdAt  int64
}

func encodeFrame(recType RecordType, seq uint64, createdAt time.Time, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], frameMagic)
	buf[4] = frameVersion
	buf[5] = byte(recType)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], seq)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[20:24], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(createdAt.UnixNano()))
	copy(buf[HeaderSize:], payload)
	return buf
}

func decodeHeader(buf []byte) (frameHeader, error) {
	if len(buf) < HeaderSize {
		return frameHeader{}, fmt.Errorf("messagelog: frame header short read")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != frameMagic {
		return frameHeader{}, fmt.Errorf("messagelog: frame header magic mismatch")
	}
	if buf[4] != frameVersion {
		return frameHeader{}, fmt.Errorf("messagelog: frame header version mismatch")
	}
	hdr := frameHeader{
		recType:    RecordType(buf[5]),
		seq:        binary.LittleEndian.Uint64(buf[8:16]),
		payloadLen: binary.LittleEndian.Uint32(buf[16:20]),
		payloadCRC: binary.LittleEndian.Uint32(buf[20:24]),
		createdAt:  int64(binary.LittleEndian.Uint64(buf[24:32])),
	}
	if hdr.recType != RecordSignature && hdr.recType != RecordTimestamp {
		return frameHeader{}, fmt.Errorf("messagelog: unknown record type %d", hdr.recType)
	}
	if hdr.payloadLen > MaxPayload {
		return frameHeader{}, fmt.Errorf("messagelog: payload length %d exceeds limit", hdr.payloadLen)
	}
	return hdr, nil
}

// DecodeFrame parses one complete frame from raw, which must hold exactly
// the header and payload.
func DecodeFrame(raw []byte) (Frame, error) {
	hdr, err := decodeHeader(raw)
	if err != nil {
		return Frame{}, err
	}
	if len(raw) != HeaderSize+int(hdr.payloadLen) {
		return Frame{}, fmt.Errorf("messagelog: frame %d is %d bytes, header says %d", hdr.seq, len(raw), HeaderSize+int(hdr.payloadLen))
	}
	payload := raw[HeaderSize:]
	if crc32.ChecksumIEEE(payload) != hdr.payloadCRC {
		return Frame{}, fmt.Errorf("messagelog: frame %d checksum mismatch", hdr.seq)
	}
	return Frame{
		Type:      hdr.recType,
		Sequence:  hdr.seq,
		CreatedAt: time.Unix(0, hdr.createdAt).UTC(),
		Payload:   payload,
		Raw:       raw,
	}, nil
}

// FrameLength returns the total frame size announced by a header.
func FrameLength(header []byte) (int, error) {
	hdr, err := decodeHeader(header)
	if err != nil {
		return 0, err
	}
	return HeaderSize + int(hdr.payloadLen), nil
}
