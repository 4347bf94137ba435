package envelope

import (
	"encoding/json"

	"uaip-hub/internal/apierr"
)

// Encode produces the canonical JSON wire representation (spec.md §6).
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, apierr.Newf(apierr.InternalError, "encode envelope: %v", err)
	}
	return data, nil
}

// Decode parses the canonical JSON wire representation and validates the
// result, so every Envelope that escapes Decode satisfies Validate.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, apierr.Newf(apierr.InvalidMessage, "decode envelope: %v", err)
	}
	if err := Validate(&e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
