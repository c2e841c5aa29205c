package defmt

import (
	"fmt"
	"strings"
)

// TypeTag identifies the wire representation of one typed argument: bool,
// f32, f64, unsigned integer, signed integer, string, interned string,
// char, preformatted, composite format, or byte slice.
type TypeTag int

const (
	TypeBool TypeTag = iota
	TypeF32
	TypeF64
	TypeUint
	TypeInt
	TypeStr
	TypeInternedStr
	TypeChar
	TypePreformatted
	TypeComposite
	TypeSliceBytes
)

// String renders the type tag the way it is recorded in
// event.internal.defmt.<key>.type (lowercase text).
func (t TypeTag) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	case TypeUint:
		return "uint"
	case TypeInt:
		return "int"
	case TypeStr:
		return "str"
	case TypeInternedStr:
		return "istr"
	case TypeChar:
		return "char"
	case TypePreformatted:
		return "preformatted"
	case TypeComposite:
		return "composite"
	case TypeSliceBytes:
		return "slice"
	default:
		return "unknown"
	}
}

// parseTypeTag recognizes the defmt type hint that appears inside a
// parameter placeholder, e.g. "u8" in "{=u8}". Widths beyond the tag itself
// (u8 vs u64) only affect how many wire bytes are consumed; the logical
// attribute kind is always TypeUint/TypeInt regardless of width.
func parseTypeTag(hint string) (tag TypeTag, width int, ok bool) {
	switch {
	case hint == "bool":
		return TypeBool, 1, true
	case hint == "f32":
		return TypeF32, 4, true
	case hint == "f64":
		return TypeF64, 8, true
	case hint == "u8":
		return TypeUint, 1, true
	case hint == "u16":
		return TypeUint, 2, true
	case hint == "u32":
		return TypeUint, 4, true
	case hint == "u64":
		return TypeUint, 8, true
	case hint == "u128":
		return TypeUint, 16, true
	case hint == "usize":
		return TypeUint, 8, true
	case hint == "i8":
		return TypeInt, 1, true
	case hint == "i16":
		return TypeInt, 2, true
	case hint == "i32":
		return TypeInt, 4, true
	case hint == "i64":
		return TypeInt, 8, true
	case hint == "i128":
		return TypeInt, 16, true
	case hint == "isize":
		return TypeInt, 8, true
	case hint == "str":
		return TypeStr, 0, true
	case hint == "istr":
		return TypeInternedStr, 0, true
	case hint == "char":
		return TypeChar, 0, true
	case hint == "?" || hint == "display" || hint == "debug":
		return TypePreformatted, 0, true
	case hint == "=?" || strings.HasPrefix(hint, "="):
		return TypeComposite, 0, true
	case hint == "[u8]" || strings.HasPrefix(hint, "[u8;"):
		return TypeSliceBytes, 0, true
	default:
		return 0, 0, false
	}
}

// Fragment is one piece of a walked defmt format string: either a literal
// text run or a typed parameter placeholder. Both eventrecord (building
// attributes) and the table loader (computing per-index argument types)
// walk the same fragment sequence, so it is owned here.
type Fragment struct {
	Literal string
	IsParam bool
	Type    TypeTag
	// Width is the wire width in bytes for TypeUint/TypeInt/TypeBool/
	// TypeF32/TypeF64 parameters (e.g. 1 for "u8", 8 for "u64"). It is
	// zero for types with no fixed width (strings, slices, composite).
	Width int
	// TimestampHint is only meaningful on the single fragment of a
	// timestamp format string; it carries the raw unit suffix text
	// (e.g. "us", "ms", "ts", or "" for ticks) verbatim for the event
	// record builder's timestamp handling.
	TimestampHint string
}

// ParseFormatString walks s and splits it into literal and parameter
// fragments. Parameter placeholders have the form "{=TYPE}" or, for
// timestamp format strings, "{=TYPE:hint}". Literal "{{" and "}}" are
// unescaped to a single brace.
func ParseFormatString(s string) ([]Fragment, error) {
	var frags []Fragment
	var lit strings.Builder

	flushLiteral := func() {
		if lit.Len() > 0 {
			frags = append(frags, Fragment{Literal: lit.String()})
			lit.Reset()
		}
	}

	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated parameter placeholder in %q", ErrDefmtTable, s)
			}
			inner := s[i+1 : i+end]
			if !strings.HasPrefix(inner, "=") {
				return nil, fmt.Errorf("%w: malformed parameter placeholder %q", ErrDefmtTable, inner)
			}
			body := inner[1:]
			hint := body
			tsHint := ""
			if idx := strings.IndexByte(body, ':'); idx >= 0 {
				hint = body[:idx]
				tsHint = body[idx+1:]
			}
			tag, width, ok := parseTypeTag(hint)
			if !ok {
				return nil, fmt.Errorf("%w: unknown type hint %q", ErrDefmtTable, hint)
			}
			flushLiteral()
			frags = append(frags, Fragment{IsParam: true, Type: tag, Width: width, TimestampHint: tsHint})
			i += end + 1
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flushLiteral()
	return frags, nil
}
