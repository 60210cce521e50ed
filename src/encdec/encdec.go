// Package encdec centralizes payload encoding for sink publishers and the
// upstream client. JSON goes through sonic, CBOR through fxamacker/cbor.
package encdec

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
)

// Codec selects the wire encoding used when publishing canonical events.
type Codec string

const (
	CodecJSON Codec = "json"
	CodecCBOR Codec = "cbor"
)

func DecodeJSON[T any](data []byte, v *T) error {
	return sonic.Unmarshal(data, v)
}

func EncodeJSON[T any](v *T) ([]byte, error) {
	return sonic.Marshal(v)
}

func DecodeCBOR[T any](data []byte, v *T) error {
	return cbor.Unmarshal(data, v)
}

func EncodeCBOR[T any](v *T) ([]byte, error) {
	return cbor.Marshal(v)
}

// Encode serializes v with the given codec. An empty codec defaults to JSON.
func Encode[T any](codec Codec, v *T) ([]byte, error) {
	switch codec {
	case CodecJSON, "":
		return EncodeJSON(v)
	case CodecCBOR:
		return EncodeCBOR(v)
	}
	return nil, fmt.Errorf("unknown codec: %s", codec)
}
