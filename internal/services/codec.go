package services

import (
	"encoding/json"

	types "github.com/yungbote/cmdledger/internal/domain/commands"
)

// Serializer turns a broadcast payload into the bytes every node receives.
type Serializer interface {
	Serialize(v any) ([]byte, error)
}

// JSONSerializer passes []byte and json.RawMessage through untouched and
// JSON-encodes everything else.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case json.RawMessage:
		return t, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, types.Wrap(types.CodeSerialization, "codec.serialize", err)
	}
	return b, nil
}

// DecodeJSON is a ready-made decoder for SendAndAwait.
func DecodeJSON[R any](b []byte) (R, error) {
	var out R
	err := json.Unmarshal(b, &out)
	return out, err
}

// DecodeRaw returns response bytes as-is.
func DecodeRaw(b []byte) ([]byte, error) {
	return b, nil
}
