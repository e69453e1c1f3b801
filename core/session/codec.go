package session

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes session data to the opaque blob stored by every backend.
func Encode(data Data) ([]byte, error) {
	if data == nil {
		data = Data{}
	}
	b, err := msgpack.Marshal(map[string]string(data))
	if err != nil {
		return nil, errors.Wrap(err, "encoding session data")
	}
	return b, nil
}

// Decode is the inverse of Encode. Failures are reported as *DecodeError.
func Decode(id string, blob []byte) (Data, error) {
	var m map[string]string
	if err := msgpack.Unmarshal(blob, &m); err != nil {
		return nil, &DecodeError{ID: id, Err: err}
	}
	if m == nil {
		m = make(map[string]string)
	}
	return Data(m), nil
}
