// Package codec serializes message envelopes for the transport layer.
//
// JSON is the conventional wire encoding. The zstd codec compresses the JSON
// form and earns its keep on large full-state snapshots; small RPC envelopes
// pay a few bytes of framing for it, which is why JSON stays the default.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeZstd CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=zstd-compressed JSON
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeZstd {
		return &ZstdCodec{}
	}

	return &JSONCodec{}
}
