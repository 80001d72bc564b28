package servercap

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered as a gRPC content-subtype. There is no
// protoc invocation available in this build, so the usual
// protoc-generated pb.go marshal/unmarshal pair isn't an option here;
// this codec lets plain Go structs cross the wire over a real gRPC
// connection (HTTP/2, the same client/server plumbing as
// common/mgrpc.GRPCConnection) without requiring them to implement
// proto.Message.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }

const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
