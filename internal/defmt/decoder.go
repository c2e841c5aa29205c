package defmt

import (
	"fmt"
)

// DecodeStatus is the tri-state result of StreamDecoder.Decode.
type DecodeStatus int

const (
	// StatusOK means Frame is populated with a fully decoded record.
	StatusOK DecodeStatus = iota
	// StatusNeedMoreBytes means the caller must append more input via
	// Received before calling Decode again; no bytes were consumed.
	StatusNeedMoreBytes
	// StatusMalformed means the leading bytes could not be decoded; they
	// have been discarded and decoding can resume on the next call.
	StatusMalformed
)

// StreamDecoder is fed arbitrary-size byte chunks and yields frames in the
// order the target emitted them.
type StreamDecoder struct {
	table *Table
	buf   []byte
}

// NewStreamDecoder constructs a decoder bound to a parsed symbol table.
func NewStreamDecoder(table *Table) *StreamDecoder {
	return &StreamDecoder{table: table}
}

// Received appends newly read bytes to the decoder's internal buffer.
func (s *StreamDecoder) Received(b []byte) {
	s.buf = append(s.buf, b...)
}

// Decode attempts to decode one frame from the buffered bytes.
//
// On StatusOK it returns the decoded Frame and consumes its bytes.
// On StatusNeedMoreBytes it returns nil and leaves the buffer untouched.
// On StatusMalformed it discards one byte and returns a non-nil error
// wrapping ErrMalformedFrame; the caller should log a warning and call
// Decode again to resume.
func (s *StreamDecoder) Decode() (*Frame, DecodeStatus, error) {
	if len(s.buf) == 0 {
		return nil, StatusNeedMoreBytes, nil
	}

	d := &bufDecoder{buf: s.buf}
	index, ok := d.uleb128()
	if !ok {
		return nil, StatusNeedMoreBytes, nil
	}

	entry, found := s.table.Entries[uint32(index)]
	if !found {
		s.discard(1)
		return nil, StatusMalformed, fmt.Errorf("%w: unknown table index %d", ErrMalformedFrame, index)
	}

	var tsArgs []Value
	if entry.TimestampFragment != nil {
		v, status, err := decodeValue(d, entry.TimestampFragment.Type, entry.TimestampFragment.Width)
		switch status {
		case StatusNeedMoreBytes:
			return nil, StatusNeedMoreBytes, nil
		case StatusMalformed:
			s.discard(1)
			return nil, StatusMalformed, fmt.Errorf("%w: timestamp arg: %v", ErrMalformedFrame, err)
		}
		tsArgs = append(tsArgs, v)
	}

	params := entry.ParamFragments()
	args := make([]Value, 0, len(params))
	for _, p := range params {
		v, status, err := decodeValue(d, p.Type, p.Width)
		switch status {
		case StatusNeedMoreBytes:
			return nil, StatusNeedMoreBytes, nil
		case StatusMalformed:
			s.discard(1)
			return nil, StatusMalformed, fmt.Errorf("%w: arg: %v", ErrMalformedFrame, err)
		}
		args = append(args, v)
	}

	consumed := d.pos
	s.discard(consumed)

	return &Frame{
		TableIndex:            entry.Index,
		FormatString:          entry.FormatString,
		Fragments:             entry.Fragments,
		HasLevel:              entry.HasLevel,
		Level:                 entry.Level,
		TimestampFormatString: entry.TimestampFormatString,
		TimestampFragment:     entry.TimestampFragment,
		TimestampArgs:         tsArgs,
		Args:                  args,
		Location:              entry.Location,
	}, StatusOK, nil
}

func (s *StreamDecoder) discard(n int) {
	if n > len(s.buf) {
		n = len(s.buf)
	}
	s.buf = s.buf[n:]
}

// decodeValue decodes one typed argument of the given tag (and, for fixed-
// width numeric tags, wire width in bytes) from d. A short buffer is
// reported as StatusNeedMoreBytes without an error; any other decode
// failure is StatusMalformed.
func decodeValue(d *bufDecoder, tag TypeTag, width int) (Value, DecodeStatus, error) {
	switch tag {
	case TypeBool:
		b, ok := d.u8()
		if !ok {
			return Value{}, StatusNeedMoreBytes, nil
		}
		return Value{Type: TypeBool, Bool: b != 0}, StatusOK, nil

	case TypeF32:
		f, ok := d.f32()
		if !ok {
			return Value{}, StatusNeedMoreBytes, nil
		}
		return Value{Type: TypeF32, Float: f}, StatusOK, nil

	case TypeF64:
		f, ok := d.f64()
		if !ok {
			return Value{}, StatusNeedMoreBytes, nil
		}
		return Value{Type: TypeF64, Float: f}, StatusOK, nil

	case TypeUint:
		if width <= 0 {
			width = 8
		}
		n, ok := d.bigUint(width)
		if !ok {
			return Value{}, StatusNeedMoreBytes, nil
		}
		return Value{Type: TypeUint, Int: n}, StatusOK, nil

	case TypeInt:
		if width <= 0 {
			width = 8
		}
		n, ok := d.bigInt(width)
		if !ok {
			return Value{}, StatusNeedMoreBytes, nil
		}
		return Value{Type: TypeInt, Int: n}, StatusOK, nil

	case TypeChar:
		n, ok := d.uleb128()
		if !ok {
			return Value{}, StatusNeedMoreBytes, nil
		}
		return Value{Type: TypeChar, Char: rune(n)}, StatusOK, nil

	case TypeStr, TypeInternedStr, TypePreformatted:
		str, ok := d.lenString()
		if !ok {
			return Value{}, StatusNeedMoreBytes, nil
		}
		return Value{Type: tag, Str: str}, StatusOK, nil

	case TypeSliceBytes:
		b, ok := d.lenBytes()
		if !ok {
			return Value{}, StatusNeedMoreBytes, nil
		}
		return Value{Type: TypeSliceBytes, Bytes: b}, StatusOK, nil

	case TypeComposite:
		innerTagByte, ok := d.u8()
		if !ok {
			return Value{}, StatusNeedMoreBytes, nil
		}
		innerTag := TypeTag(innerTagByte)
		inner, status, err := decodeValue(d, innerTag, 8)
		if status != StatusOK {
			return Value{}, status, err
		}
		return Value{Type: TypeComposite, Inner: &inner}, StatusOK, nil

	default:
		return Value{}, StatusMalformed, fmt.Errorf("unknown type tag %d", tag)
	}
}
