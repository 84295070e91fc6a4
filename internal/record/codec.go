// Package record implements the fixed binary layout for engine records and
// the length+checksum frame shared by the WAL and SSTable files.
//
// Encoded record layout (little endian):
//
//	+---------+---------+----------+------------+-------------+-------------+-----+-------+
//	| Seq(8B) | TS (8B) | Kind(1B) | Stripe(4B) | KeyLen (4B) | ValLen (4B) | Key | Value |
//	+---------+---------+----------+------------+-------------+-------------+-----+-------+
//
// Frame layout:
//
//	+----------+----------+---------+
//	| Len (4B) | CRC (4B) | Payload |
//	+----------+----------+---------+
//
// The CRC is computed over the plaintext payload, before any compression or
// at-rest encryption is applied to the stored bytes.
package record

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/stripedb/stripedb/internal/model"
	"github.com/stripedb/stripedb/internal/storage/crypt"
	"github.com/stripedb/stripedb/internal/util"
)

const (
	// headerSize is the fixed portion of an encoded record.
	headerSize = 8 + 8 + 1 + 4 + 4 + 4

	// FrameHeaderSize is the size of the length+checksum frame header.
	FrameHeaderSize = 8

	// MaxPayload bounds a single framed payload. Anything larger is treated
	// as a corrupt length field on read.
	MaxPayload = 64 << 20
)

// Encode serializes a record to its fixed binary layout.
func Encode(r *model.Record) []byte {
	buf := make([]byte, headerSize+len(r.Key)+len(r.Value))
	binary.LittleEndian.PutUint64(buf[0:8], r.Seq)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Timestamp))
	buf[16] = byte(r.Kind)
	binary.LittleEndian.PutUint32(buf[17:21], uint32(r.Stripe))
	binary.LittleEndian.PutUint32(buf[21:25], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(buf[25:29], uint32(len(r.Value)))
	copy(buf[headerSize:], r.Key)
	copy(buf[headerSize+len(r.Key):], r.Value)
	return buf
}

// Decode deserializes a record from its fixed binary layout.
func Decode(data []byte) (*model.Record, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("record too short: %d bytes", len(data))
	}

	keyLen := binary.LittleEndian.Uint32(data[21:25])
	valLen := binary.LittleEndian.Uint32(data[25:29])
	if int(headerSize+keyLen+valLen) != len(data) {
		return nil, fmt.Errorf("record length mismatch: header says %d, have %d",
			headerSize+keyLen+valLen, len(data))
	}

	kind := model.RecordKind(data[16])
	if kind != model.KindValue && kind != model.KindTombstone {
		return nil, fmt.Errorf("unknown record kind %d", data[16])
	}

	r := &model.Record{
		Seq:       binary.LittleEndian.Uint64(data[0:8]),
		Timestamp: int64(binary.LittleEndian.Uint64(data[8:16])),
		Kind:      kind,
		Stripe:    model.StripeID(binary.LittleEndian.Uint32(data[17:21])),
		Key:       make([]byte, keyLen),
	}
	copy(r.Key, data[headerSize:headerSize+keyLen])
	if kind == model.KindValue {
		r.Value = make([]byte, valLen)
		copy(r.Value, data[headerSize+keyLen:])
	}
	return r, nil
}

// AppendFrame appends a length+CRC frame containing payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	var hdr [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], util.ComputeChecksum(payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// ErrTruncatedFrame indicates a frame cut short by a crashed write. The
// reader treats everything before it as valid and stops.
var ErrTruncatedFrame = fmt.Errorf("record: truncated frame")

// ErrBadChecksum indicates a frame whose payload fails CRC validation.
var ErrBadChecksum = fmt.Errorf("record: checksum mismatch")

// ReadFrame reads the next frame from r. It returns io.EOF at a clean end of
// stream, ErrTruncatedFrame for a partially written tail, and ErrBadChecksum
// for a payload failing validation.
func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadSealedFrame(r, crypt.Noop{})
}

// AppendSealedFrame is AppendFrame with an at-rest transform applied to the
// stored bytes. The length field describes the stored form; the CRC always
// covers the plaintext payload.
func AppendSealedFrame(dst, payload []byte, t crypt.Transform) ([]byte, error) {
	stored, err := t.Seal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to seal payload: %w", err)
	}
	var hdr [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(stored)))
	binary.LittleEndian.PutUint32(hdr[4:8], util.ComputeChecksum(payload))
	dst = append(dst, hdr[:]...)
	return append(dst, stored...), nil
}

// ReadSealedFrame reads the next frame from r, reversing the at-rest
// transform before validating the plaintext checksum.
func ReadSealedFrame(r io.Reader, t crypt.Transform) ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrTruncatedFrame
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	crc := binary.LittleEndian.Uint32(hdr[4:8])
	if length > MaxPayload {
		return nil, ErrBadChecksum
	}

	stored := make([]byte, length)
	if _, err := io.ReadFull(r, stored); err != nil {
		return nil, ErrTruncatedFrame
	}

	payload, err := t.Open(stored)
	if err != nil {
		return nil, ErrBadChecksum
	}
	if !util.ValidateChecksum(payload, crc) {
		return nil, ErrBadChecksum
	}
	return payload, nil
}
