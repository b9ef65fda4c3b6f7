// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/JRocket1415/spark-jobserver/pkg/cerrors"
	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

// Memory implements a storage engine which stores everything in memory. This
// storage engine is very inefficient and should be used only for testing
// purposes.
type Memory struct {
	lock *sync.Mutex

	contexts map[types.ContextID]*job.ContextInfo
	jobs     map[types.JobID]*job.JobInfo
	configs  map[types.JobID][]byte
	// binaries holds metadata entries per app name, newest first
	binaries map[string][]*job.BinaryInfo
	blobs    map[string][]byte
}

// New create a new in-memory storage backend
func New() (storage.ResettableStorage, error) {
	m := &Memory{lock: &sync.Mutex{}}
	if err := m.Reset(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reset restores the original state of the memory storage layer
func (m *Memory) Reset() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.contexts = make(map[types.ContextID]*job.ContextInfo)
	m.jobs = make(map[types.JobID]*job.JobInfo)
	m.configs = make(map[types.JobID][]byte)
	m.binaries = make(map[string][]*job.BinaryInfo)
	m.blobs = make(map[string][]byte)
	return nil
}

// Version returns the version of the storage being used
func (m *Memory) Version() (uint64, error) {
	return 1, nil
}

func copyContext(info *job.ContextInfo) *job.ContextInfo {
	clone := *info
	return &clone
}

func copyJob(info *job.JobInfo) *job.JobInfo {
	clone := *info
	clone.Binaries = append([]job.BinaryInfo{}, info.Binaries...)
	return &clone
}

// SaveContext stores a context record. A record already in a final state is
// left untouched.
func (m *Memory) SaveContext(info *job.ContextInfo) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if existing, ok := m.contexts[info.ID]; ok && existing.State.IsFinal() {
		return nil
	}
	m.contexts[info.ID] = copyContext(info)
	return nil
}

// GetContext retrieves a context record by id
func (m *Memory) GetContext(id types.ContextID) (*job.ContextInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	info, ok := m.contexts[id]
	if !ok {
		return nil, &cerrors.ErrNoSuchContext{Name: id.String()}
	}
	return copyContext(info), nil
}

// GetContextByName retrieves a context record by name
func (m *Memory) GetContextByName(name string) (*job.ContextInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, info := range m.contexts {
		if info.Name == name {
			return copyContext(info), nil
		}
	}
	return nil, &cerrors.ErrNoSuchContext{Name: name}
}

// ListContexts returns context records matching the query, newest first by
// start time.
func (m *Memory) ListContexts(query *storage.ContextQuery) ([]*job.ContextInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	res := []*job.ContextInfo{}
	for _, info := range m.contexts {
		if storage.MatchState(query.States, info.State) {
			res = append(res, copyContext(info))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartTime.After(res[j].StartTime) })
	if query.Limit > 0 && len(res) > query.Limit {
		res = res[:query.Limit]
	}
	return res, nil
}

// DeleteFinalContextsOlderThan deletes terminal contexts whose end time
// precedes the cutoff
func (m *Memory) DeleteFinalContextsOlderThan(cutoff time.Time) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	deleted := 0
	for id, info := range m.contexts {
		if info.State.IsFinal() && info.EndTime != nil && info.EndTime.Before(cutoff) {
			delete(m.contexts, id)
			deleted++
		}
	}
	return deleted, nil
}

// SaveJob stores a job record. A record already in a final state is left
// untouched.
func (m *Memory) SaveJob(info *job.JobInfo) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if existing, ok := m.jobs[info.ID]; ok && existing.IsFinal() {
		return nil
	}
	m.jobs[info.ID] = copyJob(info)
	return nil
}

// GetJob retrieves a job record by id
func (m *Memory) GetJob(id types.JobID) (*job.JobInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	info, ok := m.jobs[id]
	if !ok {
		return nil, &cerrors.ErrNoSuchJob{ID: id}
	}
	return copyJob(info), nil
}

func jobBinaryMatch(info *job.JobInfo, binaryName string) bool {
	if binaryName == "" {
		return true
	}
	for _, bin := range info.Binaries {
		if bin.AppName == binaryName {
			return true
		}
	}
	return false
}

// ListJobs returns job records matching the query, newest first by start
// time. The binary-name filter matches against the references embedded in
// the job record, so jobs remain visible after their binary has been deleted.
func (m *Memory) ListJobs(query *storage.JobQuery) ([]*job.JobInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	res := []*job.JobInfo{}
	for _, info := range m.jobs {
		if query.ContextID != "" && info.ContextID != query.ContextID {
			continue
		}
		if !storage.MatchState(query.States, info.State) {
			continue
		}
		if !jobBinaryMatch(info, query.BinaryName) {
			continue
		}
		res = append(res, copyJob(info))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartTime.After(res[j].StartTime) })
	if query.Limit > 0 && len(res) > query.Limit {
		res = res[:query.Limit]
	}
	return res, nil
}

// GetFinalJobsOlderThan returns terminal jobs whose end time precedes the
// cutoff
func (m *Memory) GetFinalJobsOlderThan(cutoff time.Time) ([]*job.JobInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	res := []*job.JobInfo{}
	for _, info := range m.jobs {
		if info.State.IsFinal() && info.EndTime != nil && info.EndTime.Before(cutoff) {
			res = append(res, copyJob(info))
		}
	}
	return res, nil
}

// DeleteJobs deletes job records and their stored configurations
func (m *Memory) DeleteJobs(ids []types.JobID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, id := range ids {
		delete(m.jobs, id)
		delete(m.configs, id)
	}
	return nil
}

// SaveJobConfig stores the configuration blob of a job
func (m *Memory) SaveJobConfig(id types.JobID, cfg []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.configs[id] = append([]byte{}, cfg...)
	return nil
}

// GetJobConfig retrieves the configuration blob of a job
func (m *Memory) GetJobConfig(id types.JobID) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return nil, &cerrors.ErrNoSuchJob{ID: id}
	}
	return append([]byte{}, cfg...), nil
}

// SaveBinaryInfo stores a binary metadata entry, newest first
func (m *Memory) SaveBinaryInfo(info *job.BinaryInfo) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	clone := *info
	m.binaries[info.AppName] = append([]*job.BinaryInfo{&clone}, m.binaries[info.AppName]...)
	return nil
}

// GetBinary returns the most recently uploaded metadata entry for an app name
func (m *Memory) GetBinary(appName string) (*job.BinaryInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	entries := m.binaries[appName]
	if len(entries) == 0 {
		return nil, &cerrors.ErrNoSuchBinary{AppName: appName}
	}
	newest := entries[0]
	for _, entry := range entries[1:] {
		if entry.UploadTime.After(newest.UploadTime) {
			newest = entry
		}
	}
	clone := *newest
	return &clone, nil
}

// GetBinariesByStorageID returns one metadata entry per distinct app name
// sharing the storage id
func (m *Memory) GetBinariesByStorageID(storageID string) ([]*job.BinaryInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	res := []*job.BinaryInfo{}
	for _, entries := range m.binaries {
		for _, entry := range entries {
			if entry.StorageID == storageID {
				clone := *entry
				res = append(res, &clone)
				break
			}
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].AppName < res[j].AppName })
	return res, nil
}

// DeleteBinary removes all metadata entries for an app name. The blob is
// kept, as other app names may still reference it.
func (m *Memory) DeleteBinary(appName string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.binaries[appName]; !ok {
		return &cerrors.ErrNoSuchBinary{AppName: appName}
	}
	delete(m.binaries, appName)
	return nil
}

// SaveBlob stores content under its storage id, once per distinct content
func (m *Memory) SaveBlob(storageID string, content []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.blobs[storageID]; ok {
		return nil
	}
	m.blobs[storageID] = append([]byte{}, content...)
	return nil
}

// GetBlob returns the content stored under a storage id
func (m *Memory) GetBlob(storageID string) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	content, ok := m.blobs[storageID]
	if !ok {
		return nil, &cerrors.ErrNoSuchBinary{AppName: storageID}
	}
	return append([]byte{}, content...), nil
}

// DeleteBlob removes the content stored under a storage id
func (m *Memory) DeleteBlob(storageID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.blobs, storageID)
	return nil
}
