package ingestclient

import (
	"github.com/auxoncorp/modality-defmt-plugins/internal/eventrecord"
)

// Wire messages for the ingest service's six RPCs. Field values mirror
// [KeyValue]/[AttrVal] but use JSON-friendly shapes since they cross the
// wire through [jsonCodec] rather than protobuf-generated structs.

type wireAttrVal struct {
	Kind    string `json:"kind"`
	Bool    bool   `json:"bool,omitempty"`
	Integer int64  `json:"integer,omitempty"`
	BigInt  string `json:"big_int,omitempty"`
	Float   float64 `json:"float,omitempty"`
	Str     string  `json:"str,omitempty"`
	TimestampNanos uint64 `json:"timestamp_nanos,omitempty"`
}

type wireKeyValue struct {
	Key   uint64      `json:"key"`
	Value wireAttrVal `json:"value"`
}

func toWireAttrVals(attrs []KeyValue) []wireKeyValue {
	out := make([]wireKeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = wireKeyValue{Key: uint64(a.Key), Value: toWireAttrVal(a.Value)}
	}
	return out
}

func toWireAttrVal(v eventrecord.AttrVal) wireAttrVal {
	switch v.Kind {
	case eventrecord.KindBool:
		return wireAttrVal{Kind: "bool", Bool: v.Bool}
	case eventrecord.KindInteger:
		return wireAttrVal{Kind: "integer", Integer: v.Integer}
	case eventrecord.KindBigInt:
		s := "0"
		if v.BigInt != nil {
			s = v.BigInt.String()
		}
		return wireAttrVal{Kind: "big_int", BigInt: s}
	case eventrecord.KindFloat:
		return wireAttrVal{Kind: "float", Float: v.Float}
	case eventrecord.KindString:
		return wireAttrVal{Kind: "string", Str: v.Str}
	case eventrecord.KindTimestamp:
		return wireAttrVal{Kind: "timestamp", TimestampNanos: v.TimestampNanos}
	default:
		return wireAttrVal{Kind: "string", Str: v.String()}
	}
}

type openTimelineRequest struct {
	TimelineID string `json:"timeline_id"`
}

type openTimelineResponse struct{}

type declareAttrKeyRequest struct {
	Name string `json:"name"`
}

type declareAttrKeyResponse struct {
	Key uint64 `json:"key"`
}

type timelineMetadataRequest struct {
	Attrs []wireKeyValue `json:"attrs"`
}

type timelineMetadataResponse struct{}

type eventRequest struct {
	Ordering string         `json:"ordering"`
	Attrs    []wireKeyValue `json:"attrs"`
}

type eventResponse struct{}

type flushRequest struct{}

type flushResponse struct{}

type statusRequest struct{}

type statusResponse struct {
	EventsReceived uint64 `json:"events_received"`
	EventsWritten  uint64 `json:"events_written"`
	EventsPending  uint64 `json:"events_pending"`
}

