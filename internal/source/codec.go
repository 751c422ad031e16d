package source

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/petrijr/turno/pkg/api"
)

// taskToken identifies a leased record across the source boundary. Workers
// treat the encoded form as opaque bytes and pass it back verbatim.
type taskToken struct {
	RecordID string
	Owner    string
	Key      string
	Kind     api.TaskKind
	RunID    string
	Seq      int64

	ActivityName      string
	Attempt           int
	ExecutionDeadline time.Time
	Retry             *api.RetryPolicy
}

// encodeToken gob-encodes a task token.
func encodeToken(t taskToken) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeToken gob-decodes a task token.
func decodeToken(data []byte) (*taskToken, error) {
	var t taskToken
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// encodeRetry serializes a retry policy for storage. A nil policy encodes
// to nil.
func encodeRetry(p *api.RetryPolicy) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRetry(data []byte) (*api.RetryPolicy, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p api.RetryPolicy
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
