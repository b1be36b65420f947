// Package codec serializes pipeline messages.
//
// Everything on the wire is CBOR with Core Deterministic Encoding, so
// the same value always produces the same bytes. Processed frames are
// additionally wrapped in a one-byte compression envelope (see frame.go).
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	// Messages are shallow; anything nested deeper is malformed.
	decMode, err = cbor.DecOptions{MaxNestedLevels: 16}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
