package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DistanceErrorToken is sent by the sensor when it has no reading.
const DistanceErrorToken = "ERROR"

// DecodeDistance decodes a distance payload into a *float64.
// The result is nil for the error token, for a zero or missing distance_cm,
// and for malformed input; only the last case returns an error.
func DecodeDistance(payload []byte) (any, error) {
	var absent *float64

	trimmed := bytes.TrimSpace(payload)
	if string(trimmed) == DistanceErrorToken {
		return absent, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return absent, fmt.Errorf("invalid distance payload: %w", err)
	}
	// The payload must be exactly one JSON value.
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return absent, fmt.Errorf("invalid distance payload: trailing data after JSON value")
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return absent, fmt.Errorf("distance payload is not an object")
	}

	switch v := obj["distance_cm"].(type) {
	case nil:
		return absent, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return absent, fmt.Errorf("invalid distance_cm %q: %w", v, err)
		}
		if f == 0 {
			return absent, nil
		}
		return &f, nil
	case bool, string:
		// Falsy values are absent, truthy non-numbers are not distances.
		if v == false || v == "" {
			return absent, nil
		}
		return absent, fmt.Errorf("distance_cm is not a number")
	default:
		return absent, fmt.Errorf("distance_cm is not a number")
	}
}

// DecodeStatus returns the payload text verbatim.
func DecodeStatus(payload []byte) (any, error) {
	return string(payload), nil
}
