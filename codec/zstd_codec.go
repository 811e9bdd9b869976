package codec

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"
)

// Shared stateless encoder/decoder pair; both are safe for concurrent use
// via EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
}

// ZstdCodec compresses the JSON form with zstd. Intended for transports that
// carry large full-state snapshots; the envelope layout is unchanged, only
// the byte representation differs.
type ZstdCodec struct{}

func (c *ZstdCodec) Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c *ZstdCodec) Decode(data []byte, v any) error {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (c *ZstdCodec) Type() CodecType {
	return CodecTypeZstd
}
