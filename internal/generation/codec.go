package generation

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MaxRequestSize bounds the encoded size of one request.
const MaxRequestSize = 4 << 20

// encMode uses Core Deterministic Encoding so identical messages produce
// identical bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields. Request size is bounded on the stream by
// requestReader.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("generation: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("generation: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
