package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Wire formats a client may pick with ?wire= when connecting.
const (
	WireJSON    = "json"
	WireMsgpack = "msgpack"
)

// Codec encodes envelopes for one websocket frame type.
type Codec interface {
	Name() string
	FrameType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return WireJSON }
func (jsonCodec) FrameType() int                     { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return WireMsgpack }
func (msgpackCodec) FrameType() int                     { return websocket.BinaryMessage }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// CodecFor returns the codec for a ?wire= value. Empty means JSON.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", WireJSON:
		return jsonCodec{}, nil
	case WireMsgpack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown wire format %q", name)
	}
}
