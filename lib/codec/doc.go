// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by everything that
// persists binary state: scheduler task payloads and the client
// checkpoint file.
//
// JSON stays the format of the app-server wire and of payloads stored
// for replay; CBOR is used only where the bytes never leave this
// program. Types serialized here carry `cbor` struct tags.
package codec
