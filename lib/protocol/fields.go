// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "encoding/json"

// object is a JSON object with lazily decoded members. Lookups that hit
// a missing key or a value of the wrong type report absence.
type object map[string]json.RawMessage

func decodeObject(raw json.RawMessage) (object, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var result object
	if err := json.Unmarshal(raw, &result); err != nil || result == nil {
		return nil, false
	}
	return result, true
}

// String returns a non-empty string member.
func (o object) String(key string) (string, bool) {
	raw, ok := o[key]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil || value == "" {
		return "", false
	}
	return value, true
}

// Object returns a nested object member.
func (o object) Object(key string) (object, bool) {
	raw, ok := o[key]
	if !ok {
		return nil, false
	}
	return decodeObject(raw)
}

// methodFrame is a persisted notification with typed params.
type methodFrame[P any] struct {
	Method string `json:"method"`
	Params *P     `json:"params"`
}

// decodeMethod parses payload as a notification for method. It returns
// nil when the payload is not valid JSON, carries another method, lacks
// params, or has params of the wrong shape.
func decodeMethod[P any](payload []byte, method string) *P {
	var frame methodFrame[P]
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil
	}
	if frame.Method != method || frame.Params == nil {
		return nil
	}
	return frame.Params
}
