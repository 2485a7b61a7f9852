package models

import (
	"encoding/json"
	"fmt"
)

// EncodePayload renders a payload as JSON. Generic operations encode to nil.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// DecodePayload parses raw into the payload variant for t. An empty raw
// value yields a nil payload.
func DecodePayload(t OperationType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch t {
	case OperationTypeCommand:
		var p CommandPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode command payload: %w", err)
		}
		return p, nil
	case OperationTypeConfig:
		var p ConfigPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode config payload: %w", err)
		}
		return p, nil
	case OperationTypeProfile:
		var p ProfilePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode profile payload: %w", err)
		}
		return p, nil
	case OperationTypePolicy:
		var p PolicyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode policy payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%s operation does not carry a payload", t)
	}
}
