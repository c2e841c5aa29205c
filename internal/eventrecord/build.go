package eventrecord

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/auxoncorp/modality-defmt-plugins/internal/defmt"
)

// DeviantEventKind identifies one of the six fixed mutation-protocol event
// names that carry a UUID-valued slice argument instead of an ordinary
// typed argument.
type DeviantEventKind string

const (
	DeviantMutatorAnnounced         DeviantEventKind = "mutator_announced"
	DeviantMutatorRetired           DeviantEventKind = "mutator_retired"
	DeviantMutationCmdCommunicated  DeviantEventKind = "mutation_cmd_communicated"
	DeviantMutationClearCommunicated DeviantEventKind = "mutation_clear_communicated"
	DeviantMutationTriggered        DeviantEventKind = "mutation_triggered"
	DeviantMutationInjected         DeviantEventKind = "mutation_injected"
)

func deviantEventKindFromName(name string) (DeviantEventKind, bool) {
	switch name {
	case "modality.mutator.announced":
		return DeviantMutatorAnnounced, true
	case "modality.mutator.retired":
		return DeviantMutatorRetired, true
	case "modality.mutation.command_communicated":
		return DeviantMutationCmdCommunicated, true
	case "modality.mutation.clear_communicated":
		return DeviantMutationClearCommunicated, true
	case "modality.mutation.triggered":
		return DeviantMutationTriggered, true
	case "modality.mutation.injected":
		return DeviantMutationInjected, true
	default:
		return "", false
	}
}

// Build walks a decoded frame's fragments and produces an EventRecord:
// event-name extraction, literal key/value parsing, parameter binding,
// timestamp conversion, location attribution, and deviant-event UUID
// decoding. Non-fatal problems (unsupported arg types, invalid UUID bytes,
// unsupported timestamp formats) are returned as warnings rather than
// errors so decoding never aborts on a recoverable parse failure.
func Build(frame *defmt.Frame, location *defmt.Location) (*EventRecord, []string, error) {
	var warnings []string
	rec := New()

	formattedString := strings.ReplaceAll(formatFrame(frame), "\n", " ")

	if ts, ok := timestampFromFrame(frame, &warnings); ok {
		rec.insertAttr(InternalAttrKey("timestamp.type"), String(ts.typeStr()))
		rec.insertAttr(InternalAttrKey("timestamp"), ts.asAttrVal())
		if ns, ok := ts.asNanoseconds(); ok {
			rec.insertAttr(AttrKey("timestamp"), Timestamp(ns))
		}
	}

	if location != nil {
		rec.insertAttr(AttrKey("source.file"), String(location.File))
		rec.insertAttr(AttrKey("source.line"), Integer(int64(location.Line)))
		rec.insertAttr(AttrKey("source.module"), String(location.Module))
		rec.insertAttr(AttrKey("source.uri"), String(fmt.Sprintf("file://%s:%d", location.File, location.Line)))
	}

	if frame.HasLevel {
		rec.insertAttr(AttrKey("level"), String(frame.Level.String()))
	}
	rec.insertAttr(InternalAttrKey("table_index"), Integer(int64(frame.TableIndex)))
	rec.insertAttr(InternalAttrKey("formatted_string"), String(formattedString))

	var name *string
	var pendingAttrKey *string
	var deviantEvent *DeviantEventKind
	argIdx := 0

	for fragIdx, frag := range frame.Fragments {
		if frag.IsParam {
			key := pendingAttrKey
			pendingAttrKey = nil
			if key == nil {
				argIdx++
				continue
			}
			normalized := strings.ReplaceAll(*key, " ", "_")
			rec.insertAttr(InternalAttrKey(normalized+".type"), String(strings.ToLower(frag.Type.String())))

			arg := frame.Args[argIdx]
			argIdx++

			if val, ok := argToAttrVal(arg); ok {
				rec.insertAttr(AttrKey(normalized), val)
				continue
			}
			if deviantEvent == nil {
				warnings = append(warnings, fmt.Sprintf("unsupported arg type for attribute %q in %q", normalized, formattedString))
				continue
			}
			switch normalized {
			case "mutator.id", "mutation.id":
				if arg.Type == defmt.TypeSliceBytes && len(arg.Bytes) == 16 {
					rec.insertAttr(AttrKey(normalized), BigIntVal(leBytesToSigned128(arg.Bytes)))
				} else {
					warnings = append(warnings, fmt.Sprintf("invalid uuid bytes for attribute %q", normalized))
				}
			}
			continue
		}

		text := frag.Literal
		if fragIdx == 0 {
			if idx := strings.Index(text, "::"); idx >= 0 {
				evName := strings.TrimSpace(text[:idx])
				if kind, ok := deviantEventKindFromName(evName); ok {
					deviantEvent = &kind
				}
				name = &evName
				text = text[idx+2:]
			}
		}

		for k, v := range extractLiteralKeyValuePairs(text) {
			rec.insertAttr(AttrKey(k), v)
		}

		t := strings.TrimLeft(text, ",")
		if idx := strings.LastIndex(t, ","); idx >= 0 {
			t = t[idx+1:]
		}
		if idx := strings.Index(t, "="); idx >= 0 {
			key := strings.TrimSpace(t[:idx])
			pendingAttrKey = &key
		}
	}

	if name != nil {
		rec.insertAttr(AttrKey("name"), String(*name))
	} else {
		rec.insertAttr(AttrKey("name"), String(formattedString))
	}

	return rec, warnings, nil
}

// formatFrame renders the frame's format string with its arguments
// substituted, the attribute recorded under event.internal.defmt.formatted_string.
func formatFrame(frame *defmt.Frame) string {
	var b strings.Builder
	argIdx := 0
	for _, frag := range frame.Fragments {
		if !frag.IsParam {
			b.WriteString(frag.Literal)
			continue
		}
		if argIdx < len(frame.Args) {
			b.WriteString(formatValue(frame.Args[argIdx]))
		}
		argIdx++
	}
	return b.String()
}

func formatValue(v defmt.Value) string {
	switch v.Type {
	case defmt.TypeBool:
		return strconv.FormatBool(v.Bool)
	case defmt.TypeF32, defmt.TypeF64:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case defmt.TypeUint, defmt.TypeInt:
		if v.Int == nil {
			return "0"
		}
		return v.Int.String()
	case defmt.TypeStr, defmt.TypeInternedStr, defmt.TypePreformatted:
		return v.Str
	case defmt.TypeChar:
		return string(v.Char)
	case defmt.TypeComposite:
		if v.Inner != nil {
			return formatValue(*v.Inner)
		}
		return ""
	case defmt.TypeSliceBytes:
		return fmt.Sprintf("%x", v.Bytes)
	default:
		return ""
	}
}

// argToAttrVal converts one decoded argument into an attribute value.
// Unsupported shapes (byte slices, and composite formats wrapping more than
// a single terminal value) return ok=false; only single terminal types
// become attributes.
func argToAttrVal(v defmt.Value) (AttrVal, bool) {
	switch v.Type {
	case defmt.TypeBool:
		return Bool(v.Bool), true
	case defmt.TypeF32, defmt.TypeF64:
		return Float(v.Float), true
	case defmt.TypeUint, defmt.TypeInt:
		return BigIntVal(v.Int), true
	case defmt.TypeStr, defmt.TypeInternedStr, defmt.TypePreformatted:
		return String(strings.ReplaceAll(v.Str, "\n", " ")), true
	case defmt.TypeChar:
		return String(string(v.Char)), true
	case defmt.TypeComposite:
		if v.Inner != nil {
			return argToAttrVal(*v.Inner)
		}
		return AttrVal{}, false
	default:
		return AttrVal{}, false
	}
}

func extractLiteralKeyValuePairs(s string) map[string]AttrVal {
	pairs := map[string]AttrVal{}
	for _, pair := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(pair), "=")
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		valStr := strings.TrimSpace(parts[1])
		if key == "" || valStr == "" || strings.HasPrefix(key, ".") {
			continue
		}
		pairs[key] = parseLiteralAttrVal(valStr)
	}
	return pairs
}

// ParseScalarAttrVal parses a plain-text scalar the same way literal
// key=value pairs inside a format string are parsed (true/false, integer,
// float, quoted or bare string). Used to convert configured timeline
// attribute values, which arrive from YAML as plain strings, into typed
// AttrVals.
func ParseScalarAttrVal(s string) AttrVal {
	return parseLiteralAttrVal(s)
}

func parseLiteralAttrVal(s string) AttrVal {
	switch s {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Integer(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Float(f)
	}
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return String(s[1 : len(s)-1])
		}
	}
	return String(s)
}

// leBytesToSigned128 interprets a 16-byte little-endian buffer as a signed
// 128-bit integer, the UUID-to-integer conversion deviant events use.
func leBytesToSigned128(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, c := range b {
		be[len(b)-1-i] = c
	}
	v := new(big.Int).SetBytes(be)
	if len(b) > 0 && b[len(b)-1]&0x80 != 0 {
		bound := new(big.Int).Lsh(big.NewInt(1), uint(8*len(b)))
		v.Sub(v, bound)
	}
	return v
}

// timestampUnit is the interpreted unit of a frame's timestamp argument.
type timestampUnit int

const (
	tsMicros timestampUnit = iota
	tsMillis
	tsSeconds
	tsTicks
)

type timestamp struct {
	unit timestampUnit
	raw  uint64
}

func (t timestamp) typeStr() string {
	switch t.unit {
	case tsMicros:
		return "us"
	case tsMillis:
		return "ms"
	case tsSeconds:
		return "s"
	default:
		return "ticks"
	}
}

func (t timestamp) asAttrVal() AttrVal {
	if t.raw <= math.MaxInt64 {
		return Integer(int64(t.raw))
	}
	return BigIntVal(new(big.Int).SetUint64(t.raw))
}

// asNanoseconds converts to nanoseconds with saturating/overflow-checked
// multiplication; Ticks has no fixed duration and never converts.
func (t timestamp) asNanoseconds() (uint64, bool) {
	var factor uint64
	switch t.unit {
	case tsMicros:
		factor = 1_000
	case tsMillis:
		factor = 1_000_000
	case tsSeconds:
		factor = 1_000_000_000
	default:
		return 0, false
	}
	if t.raw != 0 && factor > (^uint64(0))/t.raw {
		return 0, false
	}
	return t.raw * factor, true
}

func timestampFromFrame(frame *defmt.Frame, warnings *[]string) (timestamp, bool) {
	if frame.TimestampFragment == nil {
		return timestamp{}, false
	}
	if len(frame.TimestampArgs) != 1 {
		*warnings = append(*warnings, "unsupported timestamp format, only a single argument is supported")
		return timestamp{}, false
	}
	arg := frame.TimestampArgs[0]
	var raw uint64
	switch arg.Type {
	case defmt.TypeUint, defmt.TypeInt:
		if arg.Int == nil || !arg.Int.IsUint64() {
			*warnings = append(*warnings, "unsupported timestamp format, only u64 compatible types are supported")
			return timestamp{}, false
		}
		raw = arg.Int.Uint64()
	default:
		*warnings = append(*warnings, "unsupported timestamp format, only u64 compatible types are supported")
		return timestamp{}, false
	}

	switch frame.TimestampFragment.TimestampHint {
	case "us", "tus":
		return timestamp{unit: tsMicros, raw: raw}, true
	case "ms", "tms":
		return timestamp{unit: tsMillis, raw: raw}, true
	case "ts":
		return timestamp{unit: tsSeconds, raw: raw}, true
	case "":
		return timestamp{unit: tsTicks, raw: raw}, true
	default:
		*warnings = append(*warnings, fmt.Sprintf("unsupported timestamp format hint %q, only us, ms, ts, tms, and tus are supported", frame.TimestampFragment.TimestampHint))
		return timestamp{}, false
	}
}
