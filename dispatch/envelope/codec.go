package envelope

import (
	"encoding/json"

	cbor "github.com/fxamacker/cbor/v2"
)

//	Codec moves typed arguments into In and typed results out of Out.
type Codec interface {
	Marshal(e *Envelope, v interface{}) error
	Unmarshal(e *Envelope, v interface{}) error
}

type cborCodec struct{}

func CBOR() Codec {
	return cborCodec{}
}

func (cborCodec) Marshal(e *Envelope, v interface{}) error {
	return cbor.NewEncoder(&e.In).Encode(v)
}

func (cborCodec) Unmarshal(e *Envelope, v interface{}) error {
	return cbor.Unmarshal(e.Out.Bytes(), v)
}

type jsonCodec struct{}

func JSON() Codec {
	return jsonCodec{}
}

func (jsonCodec) Marshal(e *Envelope, v interface{}) error {
	return json.NewEncoder(&e.In).Encode(v)
}

func (jsonCodec) Unmarshal(e *Envelope, v interface{}) error {
	return json.Unmarshal(e.Out.Bytes(), v)
}
