// Package eventrecord builds an ordered attribute bag out of one decoded
// defmt.Frame by walking its format-string fragments: event-name extraction,
// literal key/value pairs, parameter binding, timestamp and location
// attribution, and deviant-event UUID decoding.
package eventrecord

import (
	"fmt"
	"math/big"
)

// Kind identifies which field of an AttrVal holds the value.
type Kind int

const (
	KindBool Kind = iota
	KindInteger
	KindBigInt
	KindFloat
	KindString
	KindTimestamp
)

// AttrVal is a typed attribute value: Bool, Integer (i64), BigInt
// (arbitrary width), Float (f64), String, or Timestamp (nanoseconds).
type AttrVal struct {
	Kind Kind

	Bool          bool
	Integer       int64
	BigInt        *big.Int
	Float         float64
	Str           string
	TimestampNanos uint64
}

func Bool(v bool) AttrVal           { return AttrVal{Kind: KindBool, Bool: v} }
func Integer(v int64) AttrVal       { return AttrVal{Kind: KindInteger, Integer: v} }
func BigIntVal(v *big.Int) AttrVal  { return AttrVal{Kind: KindBigInt, BigInt: v} }
func Float(v float64) AttrVal       { return AttrVal{Kind: KindFloat, Float: v} }
func String(v string) AttrVal       { return AttrVal{Kind: KindString, Str: v} }
func Timestamp(ns uint64) AttrVal   { return AttrVal{Kind: KindTimestamp, TimestampNanos: ns} }

// Equal reports whether two attribute values have the same kind and value.
func (a AttrVal) Equal(b AttrVal) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindBool:
		return a.Bool == b.Bool
	case KindInteger:
		return a.Integer == b.Integer
	case KindBigInt:
		if a.BigInt == nil || b.BigInt == nil {
			return a.BigInt == b.BigInt
		}
		return a.BigInt.Cmp(b.BigInt) == 0
	case KindFloat:
		return a.Float == b.Float
	case KindString:
		return a.Str == b.Str
	case KindTimestamp:
		return a.TimestampNanos == b.TimestampNanos
	default:
		return false
	}
}

func (a AttrVal) String() string {
	switch a.Kind {
	case KindBool:
		return fmt.Sprintf("%v", a.Bool)
	case KindInteger:
		return fmt.Sprintf("%d", a.Integer)
	case KindBigInt:
		return a.BigInt.String()
	case KindFloat:
		return fmt.Sprintf("%g", a.Float)
	case KindString:
		return a.Str
	case KindTimestamp:
		return fmt.Sprintf("%dns", a.TimestampNanos)
	default:
		return "<invalid>"
	}
}
