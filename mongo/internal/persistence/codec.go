package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/petrijr/turno/pkg/api"
)

// encodeFailure serializes a failure using encoding/gob. A nil failure
// encodes to nil, which round-trips back to nil.
func encodeFailure(f *api.Failure) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFailure(data []byte) (*api.Failure, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var f api.Failure
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}
