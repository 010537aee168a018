// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a BLAKE3 keyed hash of an uncompressed payload.
type Digest [32]byte

// payloadDomainKey separates payload digests from any other BLAKE3 use.
// ASCII, zero-padded to 32 bytes.
var payloadDomainKey = [32]byte{
	'c', 'o', 'd', 'e', 'x', '-', 's', 'y', 'n', 'c', '.', 'p', 'a', 'y', 'l', 'o',
	'a', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// DigestOf hashes data in the payload domain.
func DigestOf(data []byte) Digest {
	hasher, err := blake3.NewKeyed(payloadDomainKey[:])
	if err != nil {
		panic("payload: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest parses a hex digest as produced by [Digest.String].
func ParseDigest(text string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return digest, fmt.Errorf("parsing payload digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("parsing payload digest: got %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
