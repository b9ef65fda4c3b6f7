// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package storage

import (
	"time"

	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

// ContextQuery collects the filters for context listing operations.
type ContextQuery struct {
	// States restricts the result to records in any of the given states.
	// An empty slice matches every state.
	States []job.State
	// Limit caps the number of returned records. Zero means no limit.
	Limit int
}

// JobQuery collects the filters for job listing operations.
type JobQuery struct {
	// ContextID restricts the result to jobs of one context.
	ContextID types.ContextID
	// BinaryName restricts the result to jobs whose classpath references
	// the named binary. Backends diverge on whether jobs remain visible
	// through this filter after the binary itself has been deleted; see the
	// respective backend documentation.
	BinaryName string
	States     []job.State
	Limit      int
}

// MatchState returns whether a record state passes a state filter. An empty
// filter matches everything.
func MatchState(states []job.State, state job.State) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// MetadataStorage defines the structured-record half of the storage engine
// contract: context, job, job configuration and binary metadata records.
//
// Listing operations return records ordered newest-first by the record's
// relevant timestamp. DeleteJobs must also delete the configurations stored
// for the deleted jobs.
type MetadataStorage interface {
	// Context records
	SaveContext(info *job.ContextInfo) error
	GetContext(id types.ContextID) (*job.ContextInfo, error)
	GetContextByName(name string) (*job.ContextInfo, error)
	ListContexts(query *ContextQuery) ([]*job.ContextInfo, error)
	DeleteFinalContextsOlderThan(cutoff time.Time) (int, error)

	// Job records
	SaveJob(info *job.JobInfo) error
	GetJob(id types.JobID) (*job.JobInfo, error)
	ListJobs(query *JobQuery) ([]*job.JobInfo, error)
	GetFinalJobsOlderThan(cutoff time.Time) ([]*job.JobInfo, error)
	DeleteJobs(ids []types.JobID) error

	// Job configurations
	SaveJobConfig(id types.JobID, cfg []byte) error
	GetJobConfig(id types.JobID) ([]byte, error)

	// Binary metadata. GetBinary returns the most recently uploaded entry
	// for the given app name; GetBinariesByStorageID returns one entry per
	// distinct app name sharing the storage id.
	SaveBinaryInfo(info *job.BinaryInfo) error
	GetBinary(appName string) (*job.BinaryInfo, error)
	GetBinariesByStorageID(storageID string) ([]*job.BinaryInfo, error)
	DeleteBinary(appName string) error
}

// BinaryStorage defines the content-addressed blob half of the storage engine
// contract. Blobs are keyed by the deterministic hash of their content, so
// saving identical bytes twice stores them once.
type BinaryStorage interface {
	SaveBlob(storageID string, content []byte) error
	GetBlob(storageID string) ([]byte, error)
	DeleteBlob(storageID string) error
}

// Storage defines the interface that storage engines must implement
type Storage interface {
	MetadataStorage
	BinaryStorage

	// Version returns the version of the storage being used
	Version() (uint64, error)
}

// ResettableStorage is implemented by storage engines that support reset
// operation
type ResettableStorage interface {
	Storage
	Reset() error
}
