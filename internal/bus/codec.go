package bus

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts messages to wire format (MessagePack + Zstd).
// It is safe for concurrent use.
type Codec struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{zstdEncoder: enc, zstdDecoder: dec}, nil
}

func (c *Codec) Encode(m Message) ([]byte, error) {
	raw, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return c.zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func (c *Codec) Decode(b []byte) (Message, error) {
	raw, err := c.zstdDecoder.DecodeAll(b, nil)
	if err != nil {
		return Message{}, fmt.Errorf("decompress message: %w", err)
	}
	var m Message
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return m, nil
}
