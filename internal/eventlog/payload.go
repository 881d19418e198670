package eventlog

import (
	"encoding/json"

	"github.com/jmoyers/harness/internal/proto"
)

func marshalPayload(e proto.Envelope) (string, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalPayload(s string, e *proto.Envelope) error {
	return json.Unmarshal([]byte(s), &e.Payload)
}
