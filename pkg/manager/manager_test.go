// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package manager_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JRocket1415/spark-jobserver/pkg/cerrors"
	"github.com/JRocket1415/spark-jobserver/pkg/config"
	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/manager"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/tracker"
	"github.com/JRocket1415/spark-jobserver/plugins/engines/local"
	"github.com/JRocket1415/spark-jobserver/plugins/storage/memory"
	"github.com/JRocket1415/spark-jobserver/tests/common/goroutine_leak_check"
)

type finalStateListener struct {
	mu    sync.Mutex
	final *tracker.Event
	ch    chan tracker.Event
}

func newFinalStateListener() *finalStateListener {
	return &finalStateListener{ch: make(chan tracker.Event, 1)}
}

func (l *finalStateListener) OnJobEvent(ev tracker.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.final == nil {
		l.final = &ev
		l.ch <- ev
	}
}

func (l *finalStateListener) wait(t *testing.T) tracker.Event {
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a final job event")
		return tracker.Event{}
	}
}

type testEnv struct {
	facade *storage.Facade
	eng    *local.Local
	block  chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	backend, err := memory.New()
	require.NoError(t, err)
	facade, err := storage.New(backend)
	require.NoError(t, err)
	t.Cleanup(facade.Close)

	env := &testEnv{facade: facade, eng: local.New(), block: make(chan struct{})}
	require.NoError(t, env.eng.Register("ok", func(ctx context.Context, cfg []byte) error {
		return nil
	}))
	require.NoError(t, env.eng.Register("fail", func(ctx context.Context, cfg []byte) error {
		return errors.New("job blew up")
	}))
	require.NoError(t, env.eng.Register("block", func(ctx context.Context, cfg []byte) error {
		select {
		case <-env.block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	_, err = facade.SaveBinary(context.Background(), "wordcount", job.BinaryKindJar, time.Now(), []byte("jar bytes"))
	require.NoError(t, err)
	return env
}

func (env *testEnv) newManager(t *testing.T, maxJobs int, opts ...manager.Opt) *manager.Manager {
	mgr := manager.New("batch", "ctx-1", config.Context{}, env.eng, env.facade, maxJobs, opts...)
	require.NoError(t, mgr.Initialize())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx, true)
	})
	return mgr
}

func TestJobRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mgr := env.newManager(t, 4)

	listener := newFinalStateListener()
	id, err := mgr.StartJob(ctx, &manager.JobRequest{
		EntryPoint: "ok",
		Binaries:   []string{"wordcount"},
		Config:     []byte(`{"input":"words.txt"}`),
	}, listener, job.NewEventTypeSet(job.FinalEventTypes...))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ev := listener.wait(t)
	require.Equal(t, job.EventTypeJobFinished, ev.Type)
	require.Equal(t, job.StateFinished, ev.Info.State)
	require.Len(t, ev.Info.Binaries, 1)
	require.Equal(t, "wordcount", ev.Info.Binaries[0].AppName)

	require.Eventually(t, func() bool {
		got, err := env.facade.GetJob(ctx, id)
		return err == nil && got.State == job.StateFinished
	}, 5*time.Second, 10*time.Millisecond)

	cfg, err := env.facade.GetJobConfig(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"input":"words.txt"}`, string(cfg))
}

func TestJobFailureIsReported(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mgr := env.newManager(t, 4)

	listener := newFinalStateListener()
	_, err := mgr.StartJob(ctx, &manager.JobRequest{EntryPoint: "fail"}, listener, job.NewEventTypeSet(job.FinalEventTypes...))
	require.NoError(t, err)

	ev := listener.wait(t)
	require.Equal(t, job.EventTypeJobError, ev.Type)
	require.NotNil(t, ev.Info.Error)
	require.Contains(t, ev.Info.Error.Message, "job blew up")
}

func TestClasspathResolutionFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mgr := env.newManager(t, 4)

	_, err := mgr.StartJob(ctx, &manager.JobRequest{
		EntryPoint: "ok",
		Binaries:   []string{"no-such-app"},
	}, nil, nil)
	require.Error(t, err)
	var resolution *cerrors.ErrClasspathResolution
	require.ErrorAs(t, err, &resolution)
	require.Equal(t, "no-such-app", resolution.AppName)
}

func TestJobCapacity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mgr := env.newManager(t, 1)

	listener := newFinalStateListener()
	_, err := mgr.StartJob(ctx, &manager.JobRequest{EntryPoint: "block"}, listener, job.NewEventTypeSet(job.FinalEventTypes...))
	require.NoError(t, err)

	_, err = mgr.StartJob(ctx, &manager.JobRequest{EntryPoint: "ok"}, nil, nil)
	require.Error(t, err)
	var capacity *cerrors.ErrJobCapacityExceeded
	require.ErrorAs(t, err, &capacity)
	require.Equal(t, 1, capacity.MaxJobs)

	close(env.block)
	ev := listener.wait(t)
	require.Equal(t, job.EventTypeJobFinished, ev.Type)
}

func TestKillJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mgr := env.newManager(t, 4)

	listener := newFinalStateListener()
	id, err := mgr.StartJob(ctx, &manager.JobRequest{EntryPoint: "block"}, listener, job.NewEventTypeSet(job.FinalEventTypes...))
	require.NoError(t, err)

	require.NoError(t, mgr.KillJob(ctx, id))
	ev := listener.wait(t)
	require.Equal(t, job.EventTypeJobKilled, ev.Type)
	require.Equal(t, job.StateKilled, ev.Info.State)
}

func TestKillUnknownJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mgr := env.newManager(t, 4)

	err := mgr.KillJob(ctx, "no-such-job")
	var noSuchJob *cerrors.ErrNoSuchJob
	require.ErrorAs(t, err, &noSuchJob)
}

func TestGracefulStopRejectedWhileJobsRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mgr := env.newManager(t, 4)

	listener := newFinalStateListener()
	_, err := mgr.StartJob(ctx, &manager.JobRequest{EntryPoint: "block"}, listener, job.NewEventTypeSet(job.FinalEventTypes...))
	require.NoError(t, err)

	require.Error(t, mgr.Stop(ctx, false))
	require.True(t, mgr.Alive())

	require.NoError(t, mgr.Stop(ctx, true))
	ev := listener.wait(t)
	require.Equal(t, job.EventTypeJobKilled, ev.Type)
	select {
	case <-mgr.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not terminate after a forced stop")
	}
}

func TestAdHocManagerTearsDownAfterItsJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mgr := env.newManager(t, 8, manager.OptionAdHoc())

	listener := newFinalStateListener()
	_, err := mgr.StartJob(ctx, &manager.JobRequest{EntryPoint: "ok"}, listener, job.NewEventTypeSet(job.FinalEventTypes...))
	require.NoError(t, err)

	ev := listener.wait(t)
	require.Equal(t, job.EventTypeJobFinished, ev.Type)
	select {
	case <-mgr.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("ad-hoc manager did not terminate after its job")
	}
	require.False(t, mgr.Alive())
}

func TestMain(m *testing.M) {
	goroutine_leak_check.LeakCheckingTestMain(m,
		// status persistence is fire-and-confirm, stragglers are expected
		"github.com/JRocket1415/spark-jobserver/pkg/tracker.(*Tracker).persist*",
	)
}
