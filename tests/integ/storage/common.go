// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

//go:build integration_storage
// +build integration_storage

package test

import (
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/JRocket1415/spark-jobserver/pkg/cerrors"
	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

// StorageSuite runs the same battery of record lifecycle checks against any
// resettable storage engine. Each backend wires itself in through a
// dedicated top level test.
type StorageSuite struct {
	suite.Suite

	storage storage.ResettableStorage
}

func (s *StorageSuite) SetupTest() {
	require.NoError(s.T(), s.storage.Reset())
}

func (s *StorageSuite) TestBinaryLifecycle() {
	t := s.T()
	content := []byte("jar bytes")
	storageID := storage.StorageID(content)

	require.NoError(t, s.storage.SaveBlob(storageID, content))
	// saving the same content again must be a no-op, not an error
	require.NoError(t, s.storage.SaveBlob(storageID, content))

	blob, err := s.storage.GetBlob(storageID)
	require.NoError(t, err)
	require.Equal(t, content, blob)

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	require.NoError(t, s.storage.SaveBinaryInfo(&job.BinaryInfo{
		AppName: "wordcount", Kind: job.BinaryKindJar, UploadTime: older, StorageID: storageID,
	}))
	require.NoError(t, s.storage.SaveBinaryInfo(&job.BinaryInfo{
		AppName: "wordcount", Kind: job.BinaryKindJar, UploadTime: newer, StorageID: storageID,
	}))
	require.NoError(t, s.storage.SaveBinaryInfo(&job.BinaryInfo{
		AppName: "pagerank", Kind: job.BinaryKindEgg, UploadTime: newer, StorageID: storageID,
	}))

	bin, err := s.storage.GetBinary("wordcount")
	require.NoError(t, err)
	require.Equal(t, storageID, bin.StorageID)
	require.WithinDuration(t, newer, bin.UploadTime, time.Second)

	shared, err := s.storage.GetBinariesByStorageID(storageID)
	require.NoError(t, err)
	require.Len(t, shared, 2)

	require.NoError(t, s.storage.DeleteBinary("pagerank"))
	_, err = s.storage.GetBinary("pagerank")
	require.Error(t, err)

	require.NoError(t, s.storage.DeleteBlob(storageID))
	_, err = s.storage.GetBlob(storageID)
	require.Error(t, err)
}

func (s *StorageSuite) TestContextLifecycle() {
	t := s.T()
	base := time.Now()

	info := &job.ContextInfo{
		ID: "ctx-1", Name: "batch", State: job.StateRunning, StartTime: base,
	}
	require.NoError(t, s.storage.SaveContext(info))

	got, err := s.storage.GetContext("ctx-1")
	require.NoError(t, err)
	require.Equal(t, "batch", got.Name)
	require.Equal(t, job.StateRunning, got.State)

	byName, err := s.storage.GetContextByName("batch")
	require.NoError(t, err)
	require.Equal(t, types.ContextID("ctx-1"), byName.ID)

	running, err := s.storage.ListContexts(&storage.ContextQuery{States: []job.State{job.StateRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)

	endTime := base.Add(time.Minute)
	info.State = job.StateFinished
	info.EndTime = &endTime
	require.NoError(t, s.storage.SaveContext(info))

	// a save against a final record must not move it back
	stale := *info
	stale.State = job.StateRunning
	stale.EndTime = nil
	require.NoError(t, s.storage.SaveContext(&stale))
	got, err = s.storage.GetContext("ctx-1")
	require.NoError(t, err)
	require.Equal(t, job.StateFinished, got.State)
	require.NotNil(t, got.EndTime)

	deleted, err := s.storage.DeleteFinalContextsOlderThan(endTime.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
	_, err = s.storage.GetContext("ctx-1")
	require.Error(t, err)
}

func (s *StorageSuite) TestJobLifecycle() {
	t := s.T()
	base := time.Now()
	content := []byte("jar bytes")
	storageID := storage.StorageID(content)
	require.NoError(t, s.storage.SaveBlob(storageID, content))
	require.NoError(t, s.storage.SaveBinaryInfo(&job.BinaryInfo{
		AppName: "wordcount", Kind: job.BinaryKindJar, UploadTime: base, StorageID: storageID,
	}))
	bin, err := s.storage.GetBinary("wordcount")
	require.NoError(t, err)

	first := &job.JobInfo{
		ID: "j1", ContextID: "ctx-1", ContextName: "batch", EntryPoint: "main",
		State: job.StateRunning, StartTime: base.Add(-time.Minute),
		Binaries: []job.BinaryInfo{*bin},
	}
	second := &job.JobInfo{
		ID: "j2", ContextID: "ctx-1", ContextName: "batch", EntryPoint: "main",
		State: job.StateRunning, StartTime: base,
	}
	require.NoError(t, s.storage.SaveJob(first))
	require.NoError(t, s.storage.SaveJob(second))
	require.NoError(t, s.storage.SaveJobConfig("j1", []byte(`{"input":"words.txt"}`)))

	got, err := s.storage.GetJob("j1")
	require.NoError(t, err)
	require.Len(t, got.Binaries, 1)
	require.Equal(t, "wordcount", got.Binaries[0].AppName)

	byContext, err := s.storage.ListJobs(&storage.JobQuery{ContextID: "ctx-1"})
	require.NoError(t, err)
	require.Len(t, byContext, 2)
	require.Equal(t, types.JobID("j2"), byContext[0].ID)

	byBinary, err := s.storage.ListJobs(&storage.JobQuery{BinaryName: "wordcount"})
	require.NoError(t, err)
	require.Len(t, byBinary, 1)
	require.Equal(t, types.JobID("j1"), byBinary[0].ID)

	endTime := base
	first.State = job.StateFinished
	first.EndTime = &endTime
	require.NoError(t, s.storage.SaveJob(first))

	stale, err := s.storage.GetFinalJobsOlderThan(endTime.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, types.JobID("j1"), stale[0].ID)

	cfg, err := s.storage.GetJobConfig("j1")
	require.NoError(t, err)
	require.NotEmpty(t, cfg)

	require.NoError(t, s.storage.DeleteJobs([]types.JobID{"j1"}))
	_, err = s.storage.GetJob("j1")
	require.Error(t, err)
	_, err = s.storage.GetJobConfig("j1")
	require.Error(t, err)
	_, err = s.storage.GetJob("j2")
	require.NoError(t, err)
}

// A config saved without a job record must not corrupt the job listing.
func (s *StorageSuite) TestOrphanJobConfig() {
	t := s.T()
	require.NoError(t, s.storage.SaveJobConfig("stray", []byte(`{"input":"words.txt"}`)))

	cfg, err := s.storage.GetJobConfig("stray")
	require.NoError(t, err)
	require.NotEmpty(t, cfg)

	_, err = s.storage.GetJob("stray")
	var missing *cerrors.ErrNoSuchJob
	require.ErrorAs(t, err, &missing)

	jobs, err := s.storage.ListJobs(&storage.JobQuery{})
	require.NoError(t, err)
	require.Empty(t, jobs)
}
