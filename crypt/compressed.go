// crypt/compressed.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package crypt

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Reusing encoders and decoders gives a huge benefit thanks to much less
// GC.
var encoderPool = sync.Pool{
	New: func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return enc
	},
}

var decoderPool = sync.Pool{
	New: func() interface{} {
		dec, _ := zstd.NewReader(nil)
		return dec
	},
}

// compress returns data prefixed with a flag byte: 1 if the rest is zstd
// compressed and 0 if compression didn't help and the rest is the
// original data.
func compress(data []byte) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)

	c := enc.EncodeAll(data, []byte{1})
	if len(c) < len(data)+1 {
		return c
	}
	return append([]byte{0}, data...)
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload: %w", ErrCorrupt)
	}
	switch data[0] {
	case 0:
		return append([]byte(nil), data[1:]...), nil
	case 1:
		dec := decoderPool.Get().(*zstd.Decoder)
		defer decoderPool.Put(dec)
		b, err := dec.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", err, ErrCorrupt)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("compression flag %d: %w", data[0], ErrCorrupt)
	}
}
