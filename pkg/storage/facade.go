// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/logging"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

var log = logging.GetLogger("storage/facade")

// ErrFacadeClosed is returned by facade operations issued after Close.
var ErrFacadeClosed = errors.New("storage facade is closed")

type result struct {
	value interface{}
	err   error
}

type request struct {
	op     func() (interface{}, error)
	respCh chan result
}

// Facade is the single addressable persistence service. All metadata and
// binary operations go through its request loop, regardless of the configured
// backend; the loop dispatches each operation asynchronously so that slow
// backend I/O never blocks the processing of further requests, and results
// travel back on per-request response channels.
type Facade struct {
	backend Storage

	requests chan *request
	done     chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	retentionMaxAge   time.Duration
	retentionInterval time.Duration
}

// Opt is a function type that sets parameters on the Facade object
type Opt func(f *Facade)

// OptionRetention enables the periodic retention cleanup loop: every
// interval, final contexts and jobs whose end time is older than maxAge are
// deleted (job deletion cascades to the stored job configurations).
func OptionRetention(maxAge, interval time.Duration) Opt {
	return func(f *Facade) {
		f.retentionMaxAge = maxAge
		f.retentionInterval = interval
	}
}

// New creates a Facade on top of the given storage engine and starts its
// request loop.
func New(backend Storage, opts ...Opt) (*Facade, error) {
	if backend == nil {
		return nil, errors.New("cannot configure a nil storage engine")
	}
	if _, err := backend.Version(); err != nil {
		return nil, fmt.Errorf("could not determine storage version: %w", err)
	}
	f := &Facade{
		backend:  backend,
		requests: make(chan *request),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.wg.Add(1)
	go f.run()
	if f.retentionMaxAge > 0 && f.retentionInterval > 0 {
		f.wg.Add(1)
		go f.runRetention()
	}
	return f, nil
}

// Close stops the request loop and the retention loop. In-flight operations
// complete; subsequent operations fail with ErrFacadeClosed.
func (f *Facade) Close() {
	f.closeOnce.Do(func() { close(f.done) })
	f.wg.Wait()
}

func (f *Facade) run() {
	defer f.wg.Done()
	var inflight sync.WaitGroup
	for {
		select {
		case req := <-f.requests:
			inflight.Add(1)
			go func(req *request) {
				defer inflight.Done()
				value, err := req.op()
				req.respCh <- result{value: value, err: err}
			}(req)
		case <-f.done:
			inflight.Wait()
			return
		}
	}
}

func (f *Facade) runRetention() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.cleanup()
		case <-f.done:
			return
		}
	}
}

// cleanup runs one retention pass directly against the backend. It runs on
// the retention goroutine, not on the request loop, so a slow pass does not
// stall regular operations.
func (f *Facade) cleanup() {
	cutoff := time.Now().Add(-f.retentionMaxAge)
	deleted, err := f.backend.DeleteFinalContextsOlderThan(cutoff)
	if err != nil {
		log.Warningf("retention: could not delete final contexts: %v", err)
	} else if deleted > 0 {
		log.Infof("retention: deleted %d final contexts older than %s", deleted, cutoff)
	}
	jobs, err := f.backend.GetFinalJobsOlderThan(cutoff)
	if err != nil {
		log.Warningf("retention: could not list final jobs: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	ids := make([]types.JobID, 0, len(jobs))
	for _, ji := range jobs {
		ids = append(ids, ji.ID)
	}
	if err := f.backend.DeleteJobs(ids); err != nil {
		log.Warningf("retention: could not delete %d final jobs: %v", len(ids), err)
		return
	}
	log.Infof("retention: deleted %d final jobs older than %s", len(ids), cutoff)
}

// do submits one operation to the request loop and waits for its result,
// bounded by ctx.
func (f *Facade) do(ctx context.Context, op func() (interface{}, error)) (interface{}, error) {
	req := &request{op: op, respCh: make(chan result, 1)}
	select {
	case f.requests <- req:
	case <-f.done:
		return nil, ErrFacadeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.respCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SaveContext persists a context record.
func (f *Facade) SaveContext(ctx context.Context, info *job.ContextInfo) error {
	_, err := f.do(ctx, func() (interface{}, error) {
		return nil, f.backend.SaveContext(info)
	})
	return err
}

// GetContext retrieves a context record by id.
func (f *Facade) GetContext(ctx context.Context, id types.ContextID) (*job.ContextInfo, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		return f.backend.GetContext(id)
	})
	if err != nil {
		return nil, err
	}
	return value.(*job.ContextInfo), nil
}

// GetContextByName retrieves a context record by name.
func (f *Facade) GetContextByName(ctx context.Context, name string) (*job.ContextInfo, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		return f.backend.GetContextByName(name)
	})
	if err != nil {
		return nil, err
	}
	return value.(*job.ContextInfo), nil
}

// ListContexts returns context records matching the query, newest first.
func (f *Facade) ListContexts(ctx context.Context, query *ContextQuery) ([]*job.ContextInfo, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		return f.backend.ListContexts(query)
	})
	if err != nil {
		return nil, err
	}
	return value.([]*job.ContextInfo), nil
}

// SaveJob persists a job record. Saving a record that is already in a final
// state leaves the stored state and end time untouched.
func (f *Facade) SaveJob(ctx context.Context, info *job.JobInfo) error {
	_, err := f.do(ctx, func() (interface{}, error) {
		return nil, f.backend.SaveJob(info)
	})
	return err
}

// GetJob retrieves a job record by id.
func (f *Facade) GetJob(ctx context.Context, id types.JobID) (*job.JobInfo, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		return f.backend.GetJob(id)
	})
	if err != nil {
		return nil, err
	}
	return value.(*job.JobInfo), nil
}

// ListJobs returns job records matching the query, newest first.
func (f *Facade) ListJobs(ctx context.Context, query *JobQuery) ([]*job.JobInfo, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		return f.backend.ListJobs(query)
	})
	if err != nil {
		return nil, err
	}
	return value.([]*job.JobInfo), nil
}

// DeleteJobs deletes the given job records together with their stored
// configurations.
func (f *Facade) DeleteJobs(ctx context.Context, ids []types.JobID) error {
	_, err := f.do(ctx, func() (interface{}, error) {
		return nil, f.backend.DeleteJobs(ids)
	})
	return err
}

// SaveJobConfig persists the opaque configuration blob of a job.
func (f *Facade) SaveJobConfig(ctx context.Context, id types.JobID, cfg []byte) error {
	_, err := f.do(ctx, func() (interface{}, error) {
		return nil, f.backend.SaveJobConfig(id, cfg)
	})
	return err
}

// GetJobConfig retrieves the configuration blob of a job.
func (f *Facade) GetJobConfig(ctx context.Context, id types.JobID) ([]byte, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		return f.backend.GetJobConfig(id)
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// SaveBinary computes the content hash of the given bytes, stores the blob
// under it (reusing the existing blob when identical content was saved
// before), records a metadata entry for (appName, uploadTime), and returns
// the storage id.
func (f *Facade) SaveBinary(ctx context.Context, appName string, kind job.BinaryKind, uploadTime time.Time, content []byte) (string, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		storageID := StorageID(content)
		if err := f.backend.SaveBlob(storageID, content); err != nil {
			return "", fmt.Errorf("could not store binary content for %s: %w", appName, err)
		}
		info := &job.BinaryInfo{
			AppName:    appName,
			Kind:       kind,
			UploadTime: uploadTime,
			StorageID:  storageID,
		}
		if err := f.backend.SaveBinaryInfo(info); err != nil {
			return "", fmt.Errorf("could not store binary metadata for %s: %w", appName, err)
		}
		return storageID, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// GetBinary returns the most recently uploaded metadata entry for an app
// name.
func (f *Facade) GetBinary(ctx context.Context, appName string) (*job.BinaryInfo, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		return f.backend.GetBinary(appName)
	})
	if err != nil {
		return nil, err
	}
	return value.(*job.BinaryInfo), nil
}

// GetBinariesByStorageID returns one metadata entry per distinct app name
// referencing the given storage id.
func (f *Facade) GetBinariesByStorageID(ctx context.Context, storageID string) ([]*job.BinaryInfo, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		return f.backend.GetBinariesByStorageID(storageID)
	})
	if err != nil {
		return nil, err
	}
	return value.([]*job.BinaryInfo), nil
}

// GetBlob returns the content stored under a storage id.
func (f *Facade) GetBlob(ctx context.Context, storageID string) ([]byte, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		return f.backend.GetBlob(storageID)
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// DeleteBinary removes every metadata entry for an app name. The underlying
// blob is left alone: other app names may still reference it, and blob
// garbage collection is not the facade's business.
func (f *Facade) DeleteBinary(ctx context.Context, appName string) error {
	_, err := f.do(ctx, func() (interface{}, error) {
		return nil, f.backend.DeleteBinary(appName)
	})
	return err
}

// GetFinalJobsOlderThan returns the terminal job records whose end time
// precedes the cutoff.
func (f *Facade) GetFinalJobsOlderThan(ctx context.Context, cutoff time.Time) ([]*job.JobInfo, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		return f.backend.GetFinalJobsOlderThan(cutoff)
	})
	if err != nil {
		return nil, err
	}
	return value.([]*job.JobInfo), nil
}

// DeleteFinalContextsOlderThan deletes exactly the terminal context records
// whose end time precedes the cutoff, and returns how many were deleted.
func (f *Facade) DeleteFinalContextsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	value, err := f.do(ctx, func() (interface{}, error) {
		return f.backend.DeleteFinalContextsOlderThan(cutoff)
	})
	if err != nil {
		return 0, err
	}
	return value.(int), nil
}
