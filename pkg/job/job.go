// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package job

import (
	"errors"
	"strings"
	"time"

	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

// BinaryKind identifies the kind of an uploaded binary artifact.
type BinaryKind string

// List of supported binary kinds.
const (
	BinaryKindJar   BinaryKind = "Jar"
	BinaryKindEgg   BinaryKind = "Egg"
	BinaryKindWheel BinaryKind = "Wheel"
	BinaryKindURI   BinaryKind = "URI"
)

// ParseBinaryKind validates a binary kind string against the fixed
// enumeration of supported kinds.
func ParseBinaryKind(s string) (BinaryKind, error) {
	switch BinaryKind(s) {
	case BinaryKindJar, BinaryKindEgg, BinaryKindWheel, BinaryKindURI:
		return BinaryKind(s), nil
	}
	return "", errors.New("unknown binary kind " + s)
}

// BinaryInfo describes one uploaded binary artifact. Binaries are content
// addressed: StorageID is a deterministic hash of the binary's bytes, so
// multiple (AppName, UploadTime) pairs may reference the same stored blob.
type BinaryInfo struct {
	AppName    string     `json:"appName"`
	Kind       BinaryKind `json:"kind"`
	UploadTime time.Time  `json:"uploadTime"`
	StorageID  string     `json:"storageId,omitempty"`
}

// ContextInfo describes one long-running execution context. It is created
// when a context is requested, mutated only by the supervisor/manager pair
// that owns it, and becomes immutable once in a final state.
type ContextInfo struct {
	ID        types.ContextID `json:"id"`
	Name      string          `json:"name"`
	Config    string          `json:"config"`
	Address   string          `json:"address,omitempty"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	State     State           `json:"state"`
	Error     *Error          `json:"error,omitempty"`
}

// JobInfo describes one submitted job. It is created on job submission and
// mutated only by the status tracker of the owning job manager; it is
// terminal once EndTime is set together with a final state.
type JobInfo struct {
	ID          types.JobID     `json:"jobId"`
	ContextID   types.ContextID `json:"contextId"`
	ContextName string          `json:"contextName"`
	EntryPoint  string          `json:"entryPoint"`
	State       State           `json:"state"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     *time.Time      `json:"endTime,omitempty"`
	Error       *Error          `json:"error,omitempty"`

	// Binaries is the ordered sequence of binary references used to build
	// the job's classpath.
	Binaries []BinaryInfo `json:"binaries,omitempty"`

	// CallbackURL, if set, is notified with the final JobInfo when the job
	// reaches a terminal state.
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// IsFinal returns whether the job record is terminal, i.e. it carries a
// final state and its end time has been set.
func (ji *JobInfo) IsFinal() bool {
	return ji.State.IsFinal() && ji.EndTime != nil
}

// BinaryNames returns the app names of the job's classpath entries, in
// classpath order.
func (ji *JobInfo) BinaryNames() []string {
	names := make([]string, 0, len(ji.Binaries))
	for _, bin := range ji.Binaries {
		names = append(names, bin.AppName)
	}
	return names
}

// CheckContextName validates a context name. Names become part of storage
// paths, so anything that is not [a-zA-Z0-9_-] is disallowed.
func CheckContextName(name string) error {
	if name == "" {
		return errors.New("context name cannot be empty")
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') && c != '_' && c != '-' {
			return errors.New("context name must only contain [a-zA-Z0-9_-], got " + strings.TrimSpace(name))
		}
	}
	return nil
}
