// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package types

// ContextID represents a unique context identifier
type ContextID string

// JobID represents a unique job identifier
type JobID string

func (v ContextID) String() string {
	return string(v)
}

func (v JobID) String() string {
	return string(v)
}
