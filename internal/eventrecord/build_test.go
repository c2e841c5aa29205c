package eventrecord

import (
	"math/big"
	"testing"

	"github.com/auxoncorp/modality-defmt-plugins/internal/defmt"
)

func mustFragments(t *testing.T, s string) []defmt.Fragment {
	t.Helper()
	frags, err := defmt.ParseFormatString(s)
	if err != nil {
		t.Fatalf("ParseFormatString(%q): %v", s, err)
	}
	return frags
}

func paramFragment(frags []defmt.Fragment, n int) *defmt.Fragment {
	seen := 0
	for i := range frags {
		if frags[i].IsParam {
			if seen == n {
				return &frags[i]
			}
			seen++
		}
	}
	return nil
}

func TestBuildSimpleLiteral(t *testing.T) {
	tsFrags := mustFragments(t, "{=u8:us}")
	frame := &defmt.Frame{
		TableIndex:            0,
		FormatString:          "Hello, world!",
		Fragments:             mustFragments(t, "Hello, world!"),
		HasLevel:              true,
		Level:                 defmt.LevelInfo,
		TimestampFormatString: "{=u8:us}",
		TimestampFragment:     paramFragment(tsFrags, 0),
		TimestampArgs:         []defmt.Value{{Type: defmt.TypeUint, Int: big.NewInt(2)}},
	}
	loc := &defmt.Location{File: "/foo/src/main.rs", Line: 12, Module: "bar"}

	rec, warnings, err := Build(frame, loc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	if name, ok := rec.EventName(); !ok || name != "Hello, world!" {
		t.Fatalf("EventName = %q, %v", name, ok)
	}
	want := map[string]AttrVal{
		"event.internal.defmt.formatted_string": String("Hello, world!"),
		"event.internal.defmt.table_index":      Integer(0),
		"event.internal.defmt.timestamp":        Integer(2),
		"event.internal.defmt.timestamp.type":   String("us"),
		"event.level":                           String("info"),
		"event.name":                            String("Hello, world!"),
		"event.source.file":                     String("/foo/src/main.rs"),
		"event.source.line":                     Integer(12),
		"event.source.module":                   String("bar"),
		"event.source.uri":                      String("file:///foo/src/main.rs:12"),
		"event.timestamp":                       Timestamp(2000),
	}
	assertAttrsEqual(t, rec, want)
}

func TestBuildNamedEventWithTypedArgs(t *testing.T) {
	format := "my_event:: some foo str = {=str}, bar_int={=u8}"
	frame := &defmt.Frame{
		TableIndex:   0,
		FormatString: format,
		Fragments:    mustFragments(t, format),
		Args: []defmt.Value{
			{Type: defmt.TypeStr, Str: "Hello"},
			{Type: defmt.TypeUint, Int: big.NewInt(2)},
		},
	}

	rec, warnings, err := Build(frame, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if name, ok := rec.EventName(); !ok || name != "my_event" {
		t.Fatalf("EventName = %q, %v", name, ok)
	}
	attrs := rec.Attributes()
	if v := attrs["event.bar_int"]; !v.Equal(BigIntVal(big.NewInt(2))) {
		t.Errorf("event.bar_int = %v", v)
	}
	if v := attrs["event.some_foo_str"]; !v.Equal(String("Hello")) {
		t.Errorf("event.some_foo_str = %v", v)
	}
	if v := attrs["event.name"]; !v.Equal(String("my_event")) {
		t.Errorf("event.name = %v", v)
	}
}

func TestBuildLiteralAttrValues(t *testing.T) {
	format := `my_event::k0.k00.k000=1,k1='foo',k2="bar",k3=12.3,k4=true,k5=biz`
	frame := &defmt.Frame{
		TableIndex:   0,
		FormatString: format,
		Fragments:    mustFragments(t, format),
	}

	rec, _, err := Build(frame, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	attrs := rec.Attributes()
	cases := map[string]AttrVal{
		"event.k0.k00.k000": Integer(1),
		"event.k1":          String("foo"),
		"event.k2":          String("bar"),
		"event.k3":          Float(12.3),
		"event.k4":          Bool(true),
		"event.k5":          String("biz"),
	}
	for k, want := range cases {
		got, ok := attrs[k]
		if !ok {
			t.Errorf("missing attr %q", k)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("%s = %v, want %v", k, got, want)
		}
	}
}

func TestBuildMixedLiteralParamAttrValues(t *testing.T) {
	format := "FOO::task=blinky_blue,instant={=u64},arg_cnt=0,queue_index={=u8}"
	frame := &defmt.Frame{
		TableIndex:   0,
		FormatString: format,
		Fragments:    mustFragments(t, format),
		Args: []defmt.Value{
			{Type: defmt.TypeUint, Int: new(big.Int).SetUint64(^uint64(0))},
			{Type: defmt.TypeUint, Int: big.NewInt(1)},
		},
	}

	rec, _, err := Build(frame, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if name, ok := rec.EventName(); !ok || name != "FOO" {
		t.Fatalf("EventName = %q, %v", name, ok)
	}
	attrs := rec.Attributes()
	if v := attrs["event.arg_cnt"]; !v.Equal(Integer(0)) {
		t.Errorf("event.arg_cnt = %v", v)
	}
	if v := attrs["event.instant"]; !v.Equal(BigIntVal(new(big.Int).SetUint64(^uint64(0)))) {
		t.Errorf("event.instant = %v", v)
	}
	if v := attrs["event.queue_index"]; !v.Equal(BigIntVal(big.NewInt(1))) {
		t.Errorf("event.queue_index = %v", v)
	}
	if v := attrs["event.task"]; !v.Equal(String("blinky_blue")) {
		t.Errorf("event.task = %v", v)
	}
}

func TestBuildDeviantEventUUID(t *testing.T) {
	format := "modality.mutation.injected::mutator.id={=[u8]}"
	uuidBytes := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	frame := &defmt.Frame{
		TableIndex:   0,
		FormatString: format,
		Fragments:    mustFragments(t, format),
		Args: []defmt.Value{
			{Type: defmt.TypeSliceBytes, Bytes: uuidBytes},
		},
	}

	rec, warnings, err := Build(frame, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if name, ok := rec.EventName(); !ok || name != "modality.mutation.injected" {
		t.Fatalf("EventName = %q, %v", name, ok)
	}
	want := leBytesToSigned128(uuidBytes)
	got, ok := rec.Attributes()["event.mutator.id"]
	if !ok || got.Kind != KindBigInt || got.BigInt.Cmp(want) != 0 {
		t.Fatalf("event.mutator.id = %v, want %v", got, want)
	}
}

func TestBuildUnsupportedArgTypeWarnsAndOmitsAttr(t *testing.T) {
	format := "my_event::blob={=[u8]}"
	frame := &defmt.Frame{
		TableIndex:   0,
		FormatString: format,
		Fragments:    mustFragments(t, format),
		Args: []defmt.Value{
			{Type: defmt.TypeSliceBytes, Bytes: []byte{0x01, 0x02}},
		},
	}

	rec, warnings, err := Build(frame, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly 1 for the unsupported arg type", warnings)
	}
	if _, ok := rec.Attributes()["event.blob"]; ok {
		t.Error("event.blob should be omitted for an unsupported arg type")
	}
	if v, ok := rec.Attributes()[InternalAttrKey("blob.type")]; !ok || !v.Equal(String("slice")) {
		t.Errorf("event.internal.defmt.blob.type = %v, %v, want \"slice\"", v, ok)
	}
}

func TestBuildTimestampOverflowOmitsConvertedTimestamp(t *testing.T) {
	tsFrags := mustFragments(t, "{=u64:us}")
	frame := &defmt.Frame{
		TableIndex:            0,
		FormatString:          "tick",
		Fragments:             mustFragments(t, "tick"),
		TimestampFormatString: "{=u64:us}",
		TimestampFragment:     paramFragment(tsFrags, 0),
		TimestampArgs:         []defmt.Value{{Type: defmt.TypeUint, Int: new(big.Int).SetUint64(^uint64(0))}},
	}

	rec, warnings, err := Build(frame, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if _, ok := rec.Attributes()[AttrKey("timestamp")]; ok {
		t.Error("event.timestamp should be omitted when the nanosecond conversion overflows")
	}
	if raw, ok := rec.TimestampRaw(); !ok || raw != ^uint64(0) {
		t.Errorf("event.internal.defmt.timestamp = %v, %v, want the raw value retained", raw, ok)
	}
	if v, ok := rec.Attributes()[InternalAttrKey("timestamp.type")]; !ok || !v.Equal(String("us")) {
		t.Errorf("event.internal.defmt.timestamp.type = %v, %v", v, ok)
	}
}

func TestParseScalarAttrValRoundTrip(t *testing.T) {
	cases := []AttrVal{
		Bool(true),
		Bool(false),
		Integer(42),
		Integer(-7),
		Float(12.3),
		String("biz"),
	}
	for _, want := range cases {
		got := ParseScalarAttrVal(want.String())
		if !got.Equal(want) {
			t.Errorf("ParseScalarAttrVal(%q) = %v, want %v", want.String(), got, want)
		}
	}
}

func TestPromoteInternalNonceIdempotent(t *testing.T) {
	rec := New()
	rec.AddInternalNonce(42)
	rec.PromoteInternalNonce()
	if n, ok := rec.Attributes()[AttrKey("nonce")]; !ok || !n.Equal(Integer(42)) {
		t.Fatalf("event.nonce = %v, %v", n, ok)
	}
	if _, ok := rec.Attributes()[InternalAttrKey("nonce")]; ok {
		t.Fatalf("internal nonce key should have been removed")
	}
	rec.PromoteInternalNonce() // second call is a no-op
	if n, ok := rec.Attributes()[AttrKey("nonce")]; !ok || !n.Equal(Integer(42)) {
		t.Fatalf("event.nonce after second promote = %v, %v", n, ok)
	}
}

func assertAttrsEqual(t *testing.T, rec *EventRecord, want map[string]AttrVal) {
	t.Helper()
	got := rec.Attributes()
	for k, v := range want {
		gv, ok := got[k]
		if !ok {
			t.Errorf("missing attr %q", k)
			continue
		}
		if !gv.Equal(v) {
			t.Errorf("%s = %v, want %v", k, gv, v)
		}
	}
	for k := range got {
		if _, ok := want[k]; !ok {
			t.Errorf("unexpected attr %q = %v", k, got[k])
		}
	}
}
