// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// StorageID computes the deterministic storage id for binary content: the
// SHA-256 hash of the raw bytes, rendered as lowercase hex. Two saves of
// identical bytes always produce the same storage id, which is what enables
// deduplication of binary blobs.
func StorageID(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
