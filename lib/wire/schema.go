// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// inboundSchema accepts every frame the app-server may write: a
// notification or server request (method + optional object params), or
// a response (id + result or error, no method). Legacy codex/event/*
// notifications must carry a conversation id and a typed msg.
const inboundSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"anyOf": [
		{
			"required": ["method"],
			"properties": {
				"method": {"type": "string", "minLength": 1},
				"params": {"type": "object"},
				"id": {"type": ["string", "integer"]}
			},
			"if": {"properties": {"method": {"pattern": "^codex/event/"}}},
			"then": {
				"required": ["params"],
				"properties": {
					"params": {
						"required": ["conversationId", "msg"],
						"properties": {
							"conversationId": {"type": "string"},
							"msg": {
								"type": "object",
								"required": ["type"],
								"properties": {"type": {"type": "string"}}
							}
						}
					}
				}
			}
		},
		{
			"not": {"required": ["method"]},
			"required": ["id"],
			"properties": {"id": {"type": ["string", "integer", "null"]}},
			"anyOf": [{"required": ["result"]}, {"required": ["error"]}]
		}
	]
}`

// outboundSchema accepts what a client may write to the app-server: a
// request, a notification, or a response to a server-initiated request
// (approval decisions, dynamic tool results, user input).
const outboundSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"anyOf": [
		{
			"required": ["id", "method"],
			"properties": {
				"id": {"type": ["string", "integer"]},
				"method": {"type": "string", "minLength": 1},
				"params": {"type": "object"}
			}
		},
		{
			"required": ["method"],
			"not": {"required": ["id"]},
			"properties": {
				"method": {"type": "string", "minLength": 1},
				"params": {"type": "object"}
			}
		},
		{
			"required": ["id", "result"],
			"not": {"required": ["method"]},
			"properties": {
				"id": {"type": ["string", "integer"]},
				"result": {"type": "object"}
			}
		}
	]
}`

const (
	inboundSchemaURL  = "https://codex-sync.invalid/schema/inbound.json"
	outboundSchemaURL = "https://codex-sync.invalid/schema/outbound.json"
)

var (
	inboundValidator  = mustCompile(inboundSchemaURL, inboundSchema)
	outboundValidator = mustCompile(outboundSchemaURL, outboundSchema)
)

// mustCompile compiles an embedded schema. The schemas are constants,
// so a failure here is a programming error.
func mustCompile(url, source string) *jsonschema.Schema {
	document, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("wire: parsing schema %s: %v", url, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, document); err != nil {
		panic(fmt.Sprintf("wire: adding schema %s: %v", url, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("wire: compiling schema %s: %v", url, err))
	}
	return schema
}
