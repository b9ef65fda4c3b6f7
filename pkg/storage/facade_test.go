// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JRocket1415/spark-jobserver/pkg/cerrors"
	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
	"github.com/JRocket1415/spark-jobserver/plugins/storage/memory"
)

func newFacade(t *testing.T, opts ...storage.Opt) *storage.Facade {
	backend, err := memory.New()
	require.NoError(t, err)
	facade, err := storage.New(backend, opts...)
	require.NoError(t, err)
	t.Cleanup(facade.Close)
	return facade
}

func TestStorageIDIsContentHash(t *testing.T) {
	require.Equal(t,
		"ebbf8b21278ba365c1463972262f0d8fdd4ecb773673810a8f01b35cf5101348",
		storage.StorageID([]byte{1, 4, 255, 7}),
	)
	require.Equal(t, storage.StorageID([]byte("payload")), storage.StorageID([]byte("payload")))
}

func TestSaveBinaryDeduplicatesContent(t *testing.T) {
	ctx := context.Background()
	facade := newFacade(t)
	content := []byte("#!/bin/true\n")
	uploadTime := time.Now()

	id1, err := facade.SaveBinary(ctx, "wordcount", job.BinaryKindJar, uploadTime, content)
	require.NoError(t, err)
	require.Equal(t, storage.StorageID(content), id1)

	id2, err := facade.SaveBinary(ctx, "pagerank", job.BinaryKindJar, uploadTime, content)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	blob, err := facade.GetBlob(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, content, blob)

	bins, err := facade.GetBinariesByStorageID(ctx, id1)
	require.NoError(t, err)
	require.Len(t, bins, 2)
}

func TestGetBinaryReturnsNewestUpload(t *testing.T) {
	ctx := context.Background()
	facade := newFacade(t)
	first := time.Now().Add(-time.Hour)
	second := time.Now()

	_, err := facade.SaveBinary(ctx, "wordcount", job.BinaryKindJar, first, []byte("v1"))
	require.NoError(t, err)
	newest, err := facade.SaveBinary(ctx, "wordcount", job.BinaryKindJar, second, []byte("v2"))
	require.NoError(t, err)

	bin, err := facade.GetBinary(ctx, "wordcount")
	require.NoError(t, err)
	require.Equal(t, newest, bin.StorageID)
	require.True(t, bin.UploadTime.Equal(second))
}

func TestGetBinaryNotFound(t *testing.T) {
	ctx := context.Background()
	facade := newFacade(t)
	_, err := facade.GetBinary(ctx, "missing")
	require.Error(t, err)
	var notFound *cerrors.ErrNoSuchBinary
	require.ErrorAs(t, err, &notFound)
}

func TestTerminalJobStateIsImmutable(t *testing.T) {
	ctx := context.Background()
	facade := newFacade(t)
	endTime := time.Now()
	info := &job.JobInfo{
		ID:          "job-1",
		ContextID:   "ctx-1",
		ContextName: "batch",
		State:       job.StateFinished,
		StartTime:   endTime.Add(-time.Minute),
		EndTime:     &endTime,
	}
	require.NoError(t, facade.SaveJob(ctx, info))

	late := *info
	late.State = job.StateRunning
	late.EndTime = nil
	require.NoError(t, facade.SaveJob(ctx, &late))

	got, err := facade.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, job.StateFinished, got.State)
	require.NotNil(t, got.EndTime)
}

func TestListJobsFilters(t *testing.T) {
	ctx := context.Background()
	facade := newFacade(t)
	base := time.Now()
	jobs := []*job.JobInfo{
		{ID: "j1", ContextID: "ctx-a", State: job.StateRunning, StartTime: base.Add(-3 * time.Minute)},
		{ID: "j2", ContextID: "ctx-a", State: job.StateFinished, StartTime: base.Add(-2 * time.Minute)},
		{ID: "j3", ContextID: "ctx-b", State: job.StateRunning, StartTime: base.Add(-time.Minute)},
	}
	for _, ji := range jobs {
		require.NoError(t, facade.SaveJob(ctx, ji))
	}

	byContext, err := facade.ListJobs(ctx, &storage.JobQuery{ContextID: "ctx-a"})
	require.NoError(t, err)
	require.Len(t, byContext, 2)
	// newest first
	require.Equal(t, types.JobID("j2"), byContext[0].ID)
	require.Equal(t, types.JobID("j1"), byContext[1].ID)

	running, err := facade.ListJobs(ctx, &storage.JobQuery{States: []job.State{job.StateRunning}})
	require.NoError(t, err)
	require.Len(t, running, 2)
	require.Equal(t, types.JobID("j3"), running[0].ID)

	limited, err := facade.ListJobs(ctx, &storage.JobQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, types.JobID("j3"), limited[0].ID)
}

func TestListJobsByBinaryName(t *testing.T) {
	ctx := context.Background()
	facade := newFacade(t)
	_, err := facade.SaveBinary(ctx, "wordcount", job.BinaryKindJar, time.Now(), []byte("v1"))
	require.NoError(t, err)
	bin, err := facade.GetBinary(ctx, "wordcount")
	require.NoError(t, err)

	require.NoError(t, facade.SaveJob(ctx, &job.JobInfo{
		ID: "j1", ContextID: "ctx-a", State: job.StateRunning,
		StartTime: time.Now(), Binaries: []job.BinaryInfo{*bin},
	}))
	require.NoError(t, facade.SaveJob(ctx, &job.JobInfo{
		ID: "j2", ContextID: "ctx-a", State: job.StateRunning, StartTime: time.Now(),
	}))

	matched, err := facade.ListJobs(ctx, &storage.JobQuery{BinaryName: "wordcount"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, types.JobID("j1"), matched[0].ID)
}

func TestDeleteJobsCascadesToConfigs(t *testing.T) {
	ctx := context.Background()
	facade := newFacade(t)
	require.NoError(t, facade.SaveJob(ctx, &job.JobInfo{ID: "j1", ContextID: "ctx-a", State: job.StateRunning, StartTime: time.Now()}))
	require.NoError(t, facade.SaveJobConfig(ctx, "j1", []byte(`{"input":"s3://bucket"}`)))

	cfg, err := facade.GetJobConfig(ctx, "j1")
	require.NoError(t, err)
	require.NotEmpty(t, cfg)

	require.NoError(t, facade.DeleteJobs(ctx, []types.JobID{"j1"}))
	_, err = facade.GetJob(ctx, "j1")
	require.Error(t, err)
	_, err = facade.GetJobConfig(ctx, "j1")
	require.Error(t, err)
}

func TestContextRecordsNewestFirst(t *testing.T) {
	ctx := context.Background()
	facade := newFacade(t)
	base := time.Now()
	older := &job.ContextInfo{ID: "ctx-1", Name: "etl", State: job.StateFinished, StartTime: base.Add(-time.Hour)}
	endTime := base.Add(-30 * time.Minute)
	older.EndTime = &endTime
	newer := &job.ContextInfo{ID: "ctx-2", Name: "etl", State: job.StateRunning, StartTime: base}
	require.NoError(t, facade.SaveContext(ctx, older))
	require.NoError(t, facade.SaveContext(ctx, newer))

	byName, err := facade.GetContextByName(ctx, "etl")
	require.NoError(t, err)
	require.Equal(t, types.ContextID("ctx-2"), byName.ID)

	running, err := facade.ListContexts(ctx, &storage.ContextQuery{States: []job.State{job.StateRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, types.ContextID("ctx-2"), running[0].ID)
}

func TestRetentionCutoffs(t *testing.T) {
	ctx := context.Background()
	facade := newFacade(t)
	cutoff := time.Now().Add(-time.Hour)

	oldEnd := cutoff.Add(-time.Minute)
	recentEnd := cutoff.Add(time.Minute)
	require.NoError(t, facade.SaveContext(ctx, &job.ContextInfo{
		ID: "ctx-old", Name: "old", State: job.StateFinished,
		StartTime: oldEnd.Add(-time.Hour), EndTime: &oldEnd,
	}))
	require.NoError(t, facade.SaveContext(ctx, &job.ContextInfo{
		ID: "ctx-new", Name: "new", State: job.StateFinished,
		StartTime: recentEnd.Add(-time.Hour), EndTime: &recentEnd,
	}))
	require.NoError(t, facade.SaveJob(ctx, &job.JobInfo{
		ID: "j-old", ContextID: "ctx-old", State: job.StateFinished,
		StartTime: oldEnd.Add(-time.Hour), EndTime: &oldEnd,
	}))
	require.NoError(t, facade.SaveJob(ctx, &job.JobInfo{
		ID: "j-new", ContextID: "ctx-new", State: job.StateFinished,
		StartTime: recentEnd.Add(-time.Hour), EndTime: &recentEnd,
	}))

	deleted, err := facade.DeleteFinalContextsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
	_, err = facade.GetContext(ctx, "ctx-new")
	require.NoError(t, err)

	stale, err := facade.GetFinalJobsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, types.JobID("j-old"), stale[0].ID)
}
