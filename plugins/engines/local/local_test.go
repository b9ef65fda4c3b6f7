// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JRocket1415/spark-jobserver/pkg/config"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
	"github.com/JRocket1415/spark-jobserver/tests/common/goroutine_leak_check"
)

type nopSink struct {
	running chan types.JobID
}

func (s *nopSink) JobRunning(id types.JobID) {
	select {
	case s.running <- id:
	default:
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	eng := New()
	fn := func(ctx context.Context, cfg []byte) error { return nil }
	require.NoError(t, eng.Register("ok", fn))
	require.Error(t, eng.Register("ok", fn))
}

func TestRunReportsRunningAndResult(t *testing.T) {
	eng := New()
	require.NoError(t, eng.Register("ok", func(ctx context.Context, cfg []byte) error {
		return nil
	}))
	require.NoError(t, eng.Register("fail", func(ctx context.Context, cfg []byte) error {
		return errors.New("boom")
	}))
	ec, err := eng.NewContext("batch", config.Context{})
	require.NoError(t, err)
	defer func() { _ = ec.Stop(context.Background()) }()
	require.NotEmpty(t, ec.AppID())

	sink := &nopSink{running: make(chan types.JobID, 1)}
	require.NoError(t, ec.Run(context.Background(), "j1", "ok", nil, nil, sink))
	select {
	case id := <-sink.running:
		require.Equal(t, types.JobID("j1"), id)
	case <-time.After(time.Second):
		t.Fatal("sink never saw the job running")
	}

	require.Error(t, ec.Run(context.Background(), "j2", "fail", nil, nil, sink))
	require.Error(t, ec.Run(context.Background(), "j3", "unknown", nil, nil, sink))
}

func TestRunHonorsCancellation(t *testing.T) {
	eng := New()
	require.NoError(t, eng.Register("block", func(ctx context.Context, cfg []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	ec, err := eng.NewContext("batch", config.Context{})
	require.NoError(t, err)
	defer func() { _ = ec.Stop(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- ec.Run(ctx, "j1", "block", nil, nil, &nopSink{running: make(chan types.JobID, 1)})
	}()
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestStopInterruptsRunningJobs(t *testing.T) {
	eng := New()
	require.NoError(t, eng.Register("block", func(ctx context.Context, cfg []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	ec, err := eng.NewContext("batch", config.Context{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ec.Run(context.Background(), "j1", "block", nil, nil, &nopSink{running: make(chan types.JobID, 1)})
	}()
	// give the job a moment to enter the entry point
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ec.Stop(context.Background()))
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after the context stopped")
	}
	select {
	case <-ec.Done():
	default:
		t.Fatal("done channel is still open after stop")
	}

	// a stopped context rejects new submissions
	require.Error(t, ec.Run(context.Background(), "j2", "block", nil, nil, &nopSink{running: make(chan types.JobID, 1)}))
}

func TestForcedInitFailure(t *testing.T) {
	eng := New()
	_, err := eng.NewContext("batch", config.Context{"local.fail-context-init": "requested"})
	require.Error(t, err)
}

func TestMain(m *testing.M) {
	goroutine_leak_check.LeakCheckingTestMain(m)
}
