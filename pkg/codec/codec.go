// Package codec converts typed message bodies to and from bytes.
package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
	gojson "github.com/goccy/go-json"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
	// ContentType is the MIME type stamped on messages this marshaler encodes.
	ContentType() string
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec is both a Marshaler and an Unmarshaler.
type Codec interface {
	Marshaler
	Unmarshaler
}

const (
	ContentTypeCBOR = "application/cbor"
	ContentTypeJSON = "application/json"
)

// CBOR encodes bodies with fxamacker/cbor using core deterministic encoding.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR returns the CBOR codec.
func NewCBOR() *CBOR {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBOR{enc: enc, dec: dec}
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBOR) NewEncoder(w io.Writer) Encoder {
	return c.enc.NewEncoder(w)
}

func (c *CBOR) ContentType() string { return ContentTypeCBOR }

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dec.Unmarshal(data, dst)
}

func (c *CBOR) NewDecoder(r io.Reader) Decoder {
	return c.dec.NewDecoder(r)
}

// JSON encodes bodies with goccy/go-json.
type JSON struct{}

// NewJSON returns the JSON codec.
func NewJSON() JSON { return JSON{} }

func (JSON) Marshal(v any) ([]byte, error) {
	return gojson.Marshal(v)
}

func (JSON) NewEncoder(w io.Writer) Encoder {
	return gojson.NewEncoder(w)
}

func (JSON) ContentType() string { return ContentTypeJSON }

func (JSON) Unmarshal(data []byte, dst any) error {
	return gojson.Unmarshal(data, dst)
}

func (JSON) NewDecoder(r io.Reader) Decoder {
	return gojson.NewDecoder(r)
}

// ForContentType returns the codec for a MIME type, or nil if none matches.
func ForContentType(contentType string) Codec {
	switch contentType {
	case ContentTypeCBOR:
		return NewCBOR()
	case ContentTypeJSON:
		return NewJSON()
	default:
		return nil
	}
}
