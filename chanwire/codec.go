package chanwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Command tags. Exactly three command shapes exist on the wire; any other
// leading byte is a decode error.
const (
	tagFulfill       byte = 0x01
	tagFail          byte = 0x02
	tagFailMalformed byte = 0x03
)

// Failure reason discriminator. A Fail command carries either an opaque
// encrypted blob produced upstream or a structured failure value built
// locally; the shape byte selects which.
const (
	shapeOpaque     byte = 0x00
	shapeStructured byte = 0x01
)

var (
	// ErrDecode is wrapped by every decode failure so callers can test for
	// the class without matching message text.
	ErrDecode = errors.New("chanwire: decode")

	errEmptyInput    = fmt.Errorf("%w: empty input", ErrDecode)
	errUnknownTag    = fmt.Errorf("%w: unknown command tag", ErrDecode)
	errUnknownShape  = fmt.Errorf("%w: unknown failure reason shape", ErrDecode)
	errShortBody     = fmt.Errorf("%w: truncated body", ErrDecode)
	errTrailingBytes = fmt.Errorf("%w: trailing bytes", ErrDecode)
)

// Command is a settlement instruction addressed to a single fragment within
// its owning channel. Fragment ids are channel-scoped, not globally unique.
type Command interface {
	commandTag() byte
}

// Fulfill releases the preimage for the addressed fragment, authorising
// payout on its channel.
type Fulfill struct {
	ID       uint64
	Preimage [32]byte
}

// Fail rejects the addressed fragment with a reason the origin can interpret.
type Fail struct {
	ID     uint64
	Reason FailureReason
}

// FailMalformed rejects a fragment whose onion could not be processed,
// reporting the hash of the offending onion and a failure-code bitmask.
type FailMalformed struct {
	ID          uint64
	OnionHash   [32]byte
	FailureCode uint16
}

func (Fulfill) commandTag() byte       { return tagFulfill }
func (Fail) commandTag() byte          { return tagFail }
func (FailMalformed) commandTag() byte { return tagFailMalformed }

// FailureReason is the tagged union carried by Fail: either an opaque
// encrypted blob (Opaque set, Structured false) or a structured code plus
// optional payload (Structured true). The zero value is a valid opaque
// reason with an empty blob.
type FailureReason struct {
	Structured bool
	Opaque     []byte
	Code       uint16
	Payload    []byte
}

// OpaqueReason wraps an already-encrypted failure blob. A nil or empty blob
// is valid.
func OpaqueReason(blob []byte) FailureReason {
	return FailureReason{Opaque: blob}
}

// StructuredReason builds a locally generated failure value from a code and
// an optional payload.
func StructuredReason(code uint16, payload []byte) FailureReason {
	return FailureReason{Structured: true, Code: code, Payload: payload}
}

// Equal reports semantic equality of two reasons, treating nil and empty
// byte slices as the same.
func (r FailureReason) Equal(other FailureReason) bool {
	if r.Structured != other.Structured {
		return false
	}
	if r.Structured {
		return r.Code == other.Code && bytes.Equal(r.Payload, other.Payload)
	}
	return bytes.Equal(r.Opaque, other.Opaque)
}

// Encode serialises a well-formed command. Encoding is total for every value
// constructible through this package.
func Encode(cmd Command) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	switch c := cmd.(type) {
	case Fulfill:
		buf.WriteByte(tagFulfill)
		writeUint64(buf, c.ID)
		buf.Write(c.Preimage[:])
	case Fail:
		buf.WriteByte(tagFail)
		writeUint64(buf, c.ID)
		if c.Reason.Structured {
			buf.WriteByte(shapeStructured)
			writeUint16(buf, c.Reason.Code)
			writeDelimited(buf, c.Reason.Payload)
		} else {
			buf.WriteByte(shapeOpaque)
			writeDelimited(buf, c.Reason.Opaque)
		}
	case FailMalformed:
		buf.WriteByte(tagFailMalformed)
		writeUint64(buf, c.ID)
		buf.Write(c.OnionHash[:])
		writeUint16(buf, c.FailureCode)
	default:
		return nil, fmt.Errorf("chanwire: unsupported command type %T", cmd)
	}
	return buf.Bytes(), nil
}

// Decode parses exactly one command from data. Anything that is not a single
// well-formed command, including trailing bytes after a valid command, fails
// with an error wrapping ErrDecode.
func Decode(data []byte) (Command, error) {
	if len(data) == 0 {
		return nil, errEmptyInput
	}
	r := &reader{data: data[1:]}
	switch data[0] {
	case tagFulfill:
		var cmd Fulfill
		var err error
		if cmd.ID, err = r.uint64(); err != nil {
			return nil, err
		}
		if err = r.array32(&cmd.Preimage); err != nil {
			return nil, err
		}
		if err = r.done(); err != nil {
			return nil, err
		}
		return cmd, nil
	case tagFail:
		var cmd Fail
		var err error
		if cmd.ID, err = r.uint64(); err != nil {
			return nil, err
		}
		shape, err := r.byte()
		if err != nil {
			return nil, err
		}
		switch shape {
		case shapeOpaque:
			if cmd.Reason.Opaque, err = r.delimited(); err != nil {
				return nil, err
			}
		case shapeStructured:
			cmd.Reason.Structured = true
			if cmd.Reason.Code, err = r.uint16(); err != nil {
				return nil, err
			}
			if cmd.Reason.Payload, err = r.delimited(); err != nil {
				return nil, err
			}
		default:
			return nil, errUnknownShape
		}
		if err = r.done(); err != nil {
			return nil, err
		}
		return cmd, nil
	case tagFailMalformed:
		var cmd FailMalformed
		var err error
		if cmd.ID, err = r.uint64(); err != nil {
			return nil, err
		}
		if err = r.array32(&cmd.OnionHash); err != nil {
			return nil, err
		}
		if cmd.FailureCode, err = r.uint16(); err != nil {
			return nil, err
		}
		if err = r.done(); err != nil {
			return nil, err
		}
		return cmd, nil
	default:
		return nil, errUnknownTag
	}
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	buf.Write(scratch[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var scratch [2]byte
	binary.BigEndian.PutUint16(scratch[:], v)
	buf.Write(scratch[:])
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(len(data)))
	buf.Write(scratch[:])
	buf.Write(data)
}

type reader struct {
	data []byte
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.data) < n {
		return nil, errShortBody
	}
	out := r.data[:n]
	r.data = r.data[n:]
	return out, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) array32(dst *[32]byte) error {
	b, err := r.take(32)
	if err != nil {
		return err
	}
	copy(dst[:], b)
	return nil
}

func (r *reader) delimited() ([]byte, error) {
	b, err := r.take(4)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(b)
	if length == 0 {
		return nil, nil
	}
	body, err := r.take(int(length))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), body...), nil
}

func (r *reader) done() error {
	if len(r.data) != 0 {
		return errTrailingBytes
	}
	return nil
}
