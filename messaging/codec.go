package messaging

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// WireMessage is the unit carried inside a chunk stream. The recipient list
// lets a receiver see who else a message was addressed to.
type WireMessage struct {
	Message         string   `cbor:"1,keyasint"`
	OtherRecipients []string `cbor:"2,keyasint,omitempty"`
}

// Codec converts wire messages to and from the byte stream that gets split
// into chunks. Encryption of that stream happens outside this module.
type Codec interface {
	Serialize(msg *WireMessage) ([]byte, error)
	Deserialize(body []byte) (*WireMessage, error)
}

type cborCodec struct {
	em cbor.EncMode
	dm cbor.DecMode
}

// NewCBORCodec returns the default codec. Encoding is canonical so the same
// message always chunks identically.
func NewCBORCodec() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("messaging: error creating cbor encoder: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("messaging: error creating cbor decoder: %w", err)
	}
	return &cborCodec{em: em, dm: dm}, nil
}

func (c *cborCodec) Serialize(msg *WireMessage) ([]byte, error) {
	b, err := c.em.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("messaging: error serializing wire message: %w", err)
	}
	return b, nil
}

func (c *cborCodec) Deserialize(body []byte) (*WireMessage, error) {
	msg := &WireMessage{}
	if err := c.dm.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("messaging: error deserializing wire message: %w", err)
	}
	return msg, nil
}
