// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// maxDiagnosticLength bounds Diagnose output embedded in errors.
const maxDiagnosticLength = 256

var (
	encMode cbor.EncMode

	// looseMode decodes scheduler payloads. strictMode decodes files
	// written to disk, where a duplicated key means corruption.
	looseMode  cbor.DecMode
	strictMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeUnixMicro
	mode, err := encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	encMode = mode

	// any-typed targets decode maps as map[string]any so decoded task
	// payloads can be logged as JSON unchanged.
	decOptions := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}
	if looseMode, err = decOptions.DecMode(); err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
	decOptions.DupMapKey = cbor.DupMapKeyEnforcedAPF
	decOptions.IndefLength = cbor.IndefLengthForbidden
	if strictMode, err = decOptions.DecMode(); err != nil {
		panic("codec: strict CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with Core Deterministic Encoding. Equal values
// produce equal bytes, so a payload can serve as a task dedupe key.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error {
	return looseMode.Unmarshal(data, v)
}

// UnmarshalStrict is Unmarshal that also rejects duplicate map keys
// and indefinite-length items, neither of which Marshal produces.
func UnmarshalStrict(data []byte, v any) error {
	return strictMode.Unmarshal(data, v)
}

// Diagnose renders data in CBOR diagnostic notation, truncated for use
// in error messages. Undecodable data renders as its length.
func Diagnose(data []byte) string {
	text, err := cbor.Diagnose(data)
	if err != nil {
		return "<" + strconv.Itoa(len(data)) + " undecodable bytes>"
	}
	if len(text) > maxDiagnosticLength {
		text = text[:maxDiagnosticLength] + "..."
	}
	return text
}
