package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/flate"

	"github.com/luciancaetano/hubnet"
)

// maxInflatedSize caps the output of the inflate step.
const maxInflatedSize = 64 * 1024 * 1024 // 64MB

// Serializer converts between a Message and its wire bytes.
type Serializer interface {
	Marshal(msg hubnet.Message) ([]byte, error)
	Unmarshal(data []byte) (hubnet.Message, error)
}

// JSON is the text serializer.
type JSON struct{}

// Marshal encodes msg as a JSON object.
func (JSON) Marshal(msg hubnet.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Unmarshal decodes a JSON object into a Message. Numbers decode as
// float64, objects as map[string]any.
func (JSON) Unmarshal(data []byte) (hubnet.Message, error) {
	var msg hubnet.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return hubnet.Message{}, err
	}
	return msg, nil
}

// CBOR is the binary serializer.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR returns a CBOR serializer. Integers decode as int64 and maps as
// map[string]any so that arguments look the same as their JSON form.
func NewCBOR() (*CBOR, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		IntDec:         cbor.IntDecConvertSigned,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBOR{enc: enc, dec: dec}, nil
}

// Marshal encodes msg as a CBOR map.
func (c *CBOR) Marshal(msg hubnet.Message) ([]byte, error) {
	return c.enc.Marshal(msg)
}

// Unmarshal decodes a CBOR map into a Message.
func (c *CBOR) Unmarshal(data []byte) (hubnet.Message, error) {
	var msg hubnet.Message
	if err := c.dec.Unmarshal(data, &msg); err != nil {
		return hubnet.Message{}, err
	}
	return msg, nil
}

// Codec picks a serializer per message and handles the inflate step.
type Codec struct {
	text    Serializer
	binary  Serializer
	sendBin bool

	inflaters sync.Pool
}

// NewCodec returns a codec that decodes text-flagged payloads with text and
// binary-flagged payloads with binary. Outbound messages are encoded with
// binary when sendBinary is set and with text otherwise.
func NewCodec(text, binary Serializer, sendBinary bool) *Codec {
	return &Codec{text: text, binary: binary, sendBin: sendBinary}
}

// Decode decodes one complete message. When compressed is set the payload
// is inflated first. The returned Message does not reference data.
func (c *Codec) Decode(data []byte, text, compressed bool) (hubnet.Message, error) {
	if compressed {
		inflated, err := c.inflate(data)
		if err != nil {
			return hubnet.Message{}, fmt.Errorf("%w: inflate: %w", hubnet.ErrDecode, err)
		}
		data = inflated
	}

	serializer := c.binary
	if text {
		serializer = c.text
	}

	msg, err := serializer.Unmarshal(data)
	if err != nil {
		return hubnet.Message{}, fmt.Errorf("%w: %w", hubnet.ErrDecode, err)
	}
	if msg.Hub == "" || msg.Method == "" {
		return hubnet.Message{}, fmt.Errorf("%w: hub and method are required", hubnet.ErrDecode)
	}
	return msg, nil
}

// Encode encodes msg for the send path and returns the websocket message
// type to write it with.
func (c *Codec) Encode(msg hubnet.Message) (int, []byte, error) {
	if c.sendBin {
		data, err := c.binary.Marshal(msg)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %w", hubnet.ErrFailedToEncode, err)
		}
		return websocket.BinaryMessage, data, nil
	}
	data, err := c.text.Marshal(msg)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", hubnet.ErrFailedToEncode, err)
	}
	return websocket.TextMessage, data, nil
}

// inflate decompresses a raw deflate payload. The reader is closed and
// returned to the pool whether or not decoding succeeds.
func (c *Codec) inflate(data []byte) ([]byte, error) {
	src := bytes.NewReader(data)

	var r io.ReadCloser
	if pooled, ok := c.inflaters.Get().(io.ReadCloser); ok {
		if err := pooled.(flate.Resetter).Reset(src, nil); err != nil {
			return nil, err
		}
		r = pooled
	} else {
		r = flate.NewReader(src)
	}
	defer func() {
		r.Close()
		c.inflaters.Put(r)
	}()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflatedSize {
		return nil, hubnet.ErrMessageTooLarge
	}
	return out, nil
}

// Deflate compresses data in the raw deflate format expected by Decode.
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
