package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"quire/api/internal/block"
)

// encMode uses Core Deterministic Encoding so the same operation always
// produces the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeOperation produces the storage form of op.
func EncodeOperation(op block.Operation) ([]byte, error) {
	data, err := encMode.Marshal(FromOperation(op))
	if err != nil {
		return nil, fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return data, nil
}

// DecodeOperation reads the storage form written by EncodeOperation or any
// earlier supported version.
func DecodeOperation(data []byte) (block.Operation, error) {
	var r Record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return block.Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	return r.Operation()
}

// ParseOperation reads a JSON operation record as sent by clients.
func ParseOperation(data []byte) (block.Operation, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return block.Operation{}, err
		}
		return block.Operation{}, fmt.Errorf("%w: %v", block.ErrInvalidOperation, err)
	}
	return r.Operation()
}
