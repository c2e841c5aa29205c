package ingestclient

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec is a minimal google.golang.org/grpc/encoding.Codec implementation
// that marshals messages as JSON instead of protobuf wire format. The ingest
// service contract in this repo has no protoc-generated stubs available, so
// RPCs are made with plain Go request/response structs over grpc.ClientConn's
// generic Invoke, content-negotiated via grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
