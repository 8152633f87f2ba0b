package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// codecName is the Connect codec name; procedure bodies travel as
// application/cbor, the same data language the device protocol speaks.
const codecName = "cbor"

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("server: failed to create CBOR enc mode")
	}
}

// cborCodec adapts the CBOR encoding to Connect's Codec interface, so the
// control service needs no generated stubs.
type cborCodec struct{}

func (cborCodec) Name() string { return codecName }

func (cborCodec) Marshal(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("server: unmarshal %T: %w", v, err)
	}
	return nil
}
