package protocol

import (
	"encoding/json"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

type FrameKind uint8

const (
	KindRequest FrameKind = iota + 1
	KindReply
	KindBatch
)

type ReplyStatus uint8

const (
	StatusOK ReplyStatus = iota
	StatusUserError
	StatusUnknownOperation
	StatusProtocolError
)

func (s ReplyStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUserError:
		return "user error"
	case StatusUnknownOperation:
		return "unknown operation"
	case StatusProtocolError:
		return "protocol error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

//	Frame is one transport message. Requests with RequestID 0 expect no reply.
//	A batch frame carries its member requests in Batch, in append order.
type Frame struct {
	Kind      FrameKind         `cbor:"1,keyasint" json:"k"`
	RequestID uint32            `cbor:"2,keyasint,omitempty" json:"i,omitempty"`
	Protocol  string            `cbor:"3,keyasint" json:"v"`
	Operation string            `cbor:"4,keyasint,omitempty" json:"op,omitempty"`
	Mode      InvocationMode    `cbor:"5,keyasint,omitempty" json:"m,omitempty"`
	Context   map[string]string `cbor:"6,keyasint,omitempty" json:"ctx,omitempty"`
	Payload   []byte            `cbor:"7,keyasint,omitempty" json:"p,omitempty"`
	Status    ReplyStatus       `cbor:"8,keyasint,omitempty" json:"s,omitempty"`
	Message   string            `cbor:"9,keyasint,omitempty" json:"msg,omitempty"`
	Batch     []Frame           `cbor:"10,keyasint,omitempty" json:"b,omitempty"`
}

type FrameCodec interface {
	Name() string
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte, f *Frame) error
}

type cborFrames struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

//	CBORFrames encodes frames in canonical CBOR with integer keys.
func CBORFrames() (FrameCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborFrames{enc: em, dec: dm}, nil
}

func (c cborFrames) Name() string                       { return "cbor" }
func (c cborFrames) Encode(f *Frame) ([]byte, error)    { return c.enc.Marshal(f) }
func (c cborFrames) Decode(data []byte, f *Frame) error { return c.dec.Unmarshal(data, f) }

type jsonFrames struct{}

func JSONFrames() FrameCodec {
	return jsonFrames{}
}

func (jsonFrames) Name() string                       { return "json" }
func (jsonFrames) Encode(f *Frame) ([]byte, error)    { return json.Marshal(f) }
func (jsonFrames) Decode(data []byte, f *Frame) error { return json.Unmarshal(data, f) }

func FrameCodecByName(name string) (FrameCodec, error) {
	switch name {
	case "", "cbor":
		return CBORFrames()
	case "json":
		return JSONFrames(), nil
	default:
		return nil, fmt.Errorf("unknown frame codec %q", name)
	}
}

func MustFrameCodec(name string) FrameCodec {
	codec, err := FrameCodecByName(name)
	if err != nil {
		panic(err)
	}
	return codec
}
