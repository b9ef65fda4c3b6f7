// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package zookeeper

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/JRocket1415/spark-jobserver/pkg/cerrors"
	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

func (z *ZooKeeper) contextPath(id types.ContextID) string {
	return z.basePath + "/contexts/" + id.String()
}

func (z *ZooKeeper) jobPath(id types.JobID) string {
	return z.basePath + "/jobs/" + id.String()
}

func (z *ZooKeeper) getContextNode(id types.ContextID) (*job.ContextInfo, error) {
	data, _, err := z.conn.Get(z.contextPath(id))
	if err == zk.ErrNoNode {
		return nil, &cerrors.ErrNoSuchContext{Name: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("could not read context %s: %w", id, err)
	}
	info := job.ContextInfo{}
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("could not deserialize context %s: %w", id, err)
	}
	return &info, nil
}

func (z *ZooKeeper) getJobNode(id types.JobID) (*job.JobInfo, error) {
	data, _, err := z.conn.Get(z.jobPath(id))
	if err == zk.ErrNoNode {
		return nil, &cerrors.ErrNoSuchJob{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("could not read job %s: %w", id, err)
	}
	// a config child written before the job record leaves an empty job node
	if len(data) == 0 {
		return nil, &cerrors.ErrNoSuchJob{ID: id}
	}
	info := job.JobInfo{}
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("could not deserialize job %s: %w", id, err)
	}
	return &info, nil
}

// SaveContext stores a context record. A record already in a final state is
// left untouched.
func (z *ZooKeeper) SaveContext(info *job.ContextInfo) error {
	if err := z.init(); err != nil {
		return err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	existing, err := z.getContextNode(info.ID)
	if err == nil && existing.State.IsFinal() {
		return nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("could not serialize context %s: %w", info.ID, err)
	}
	return z.setNode(z.contextPath(info.ID), data)
}

// GetContext retrieves a context record by id
func (z *ZooKeeper) GetContext(id types.ContextID) (*job.ContextInfo, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	z.lock.Lock()
	defer z.lock.Unlock()
	return z.getContextNode(id)
}

func (z *ZooKeeper) listContextNodes() ([]*job.ContextInfo, error) {
	ids, _, err := z.conn.Children(z.basePath + "/contexts")
	if err != nil {
		return nil, fmt.Errorf("could not list contexts: %w", err)
	}
	res := []*job.ContextInfo{}
	for _, id := range ids {
		info, err := z.getContextNode(types.ContextID(id))
		if err != nil {
			// the node may have been deleted while listing
			if _, ok := err.(*cerrors.ErrNoSuchContext); ok {
				continue
			}
			return nil, err
		}
		res = append(res, info)
	}
	return res, nil
}

// GetContextByName retrieves the most recently started context record with
// the given name
func (z *ZooKeeper) GetContextByName(name string) (*job.ContextInfo, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	all, err := z.listContextNodes()
	if err != nil {
		return nil, err
	}
	var newest *job.ContextInfo
	for _, info := range all {
		if info.Name != name {
			continue
		}
		if newest == nil || info.StartTime.After(newest.StartTime) {
			newest = info
		}
	}
	if newest == nil {
		return nil, &cerrors.ErrNoSuchContext{Name: name}
	}
	return newest, nil
}

// ListContexts returns context records matching the query, newest first by
// start time
func (z *ZooKeeper) ListContexts(query *storage.ContextQuery) ([]*job.ContextInfo, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	all, err := z.listContextNodes()
	if err != nil {
		return nil, err
	}
	res := []*job.ContextInfo{}
	for _, info := range all {
		if storage.MatchState(query.States, info.State) {
			res = append(res, info)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartTime.After(res[j].StartTime) })
	if query.Limit > 0 && len(res) > query.Limit {
		res = res[:query.Limit]
	}
	return res, nil
}

// DeleteFinalContextsOlderThan deletes exactly the terminal contexts whose
// end time precedes the cutoff
func (z *ZooKeeper) DeleteFinalContextsOlderThan(cutoff time.Time) (int, error) {
	if err := z.init(); err != nil {
		return 0, err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	all, err := z.listContextNodes()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, info := range all {
		if info.State.IsFinal() && info.EndTime != nil && info.EndTime.Before(cutoff) {
			if err := z.deleteRecursive(z.contextPath(info.ID)); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// SaveJob stores a job record. A record already in a final state is left
// untouched.
func (z *ZooKeeper) SaveJob(info *job.JobInfo) error {
	if err := z.init(); err != nil {
		return err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	existing, err := z.getJobNode(info.ID)
	if err == nil && existing.IsFinal() {
		return nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("could not serialize job %s: %w", info.ID, err)
	}
	return z.setNode(z.jobPath(info.ID), data)
}

// GetJob retrieves a job record by id
func (z *ZooKeeper) GetJob(id types.JobID) (*job.JobInfo, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	z.lock.Lock()
	defer z.lock.Unlock()
	return z.getJobNode(id)
}

func (z *ZooKeeper) listJobNodes() ([]*job.JobInfo, error) {
	ids, _, err := z.conn.Children(z.basePath + "/jobs")
	if err != nil {
		return nil, fmt.Errorf("could not list jobs: %w", err)
	}
	res := []*job.JobInfo{}
	for _, id := range ids {
		info, err := z.getJobNode(types.JobID(id))
		if err != nil {
			if _, ok := err.(*cerrors.ErrNoSuchJob); ok {
				continue
			}
			return nil, err
		}
		res = append(res, info)
	}
	return res, nil
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
// time.
//
// The binary-name filter matches against the classpath references embedded
// in the job record and is intentionally NOT joined against the binaries
// nodes: a job remains queryable here even after its binary has been
// deleted. This differs from the rdbms backend, which joins and therefore
// drops such jobs; the divergence is intentional and documented.
func (z *ZooKeeper) ListJobs(query *storage.JobQuery) ([]*job.JobInfo, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	all, err := z.listJobNodes()
	if err != nil {
		return nil, err
	}
	res := []*job.JobInfo{}
	for _, info := range all {
		if query.ContextID != "" && info.ContextID != query.ContextID {
			continue
		}
		if !storage.MatchState(query.States, info.State) {
			continue
		}
		if !jobBinaryMatch(info, query.BinaryName) {
			continue
		}
		res = append(res, info)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartTime.After(res[j].StartTime) })
	if query.Limit > 0 && len(res) > query.Limit {
		res = res[:query.Limit]
	}
	return res, nil
}

// GetFinalJobsOlderThan returns the terminal jobs whose end time precedes
// the cutoff
func (z *ZooKeeper) GetFinalJobsOlderThan(cutoff time.Time) ([]*job.JobInfo, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	all, err := z.listJobNodes()
	if err != nil {
		return nil, err
	}
	res := []*job.JobInfo{}
	for _, info := range all {
		if info.State.IsFinal() && info.EndTime != nil && info.EndTime.Before(cutoff) {
			res = append(res, info)
		}
	}
	return res, nil
}

// DeleteJobs deletes job records together with their configuration child
// nodes
func (z *ZooKeeper) DeleteJobs(ids []types.JobID) error {
	if err := z.init(); err != nil {
		return err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	for _, id := range ids {
		if err := z.deleteRecursive(z.jobPath(id)); err != nil {
			return err
		}
	}
	return nil
}

// SaveJobConfig stores the configuration blob of a job under the job's
// config child node
func (z *ZooKeeper) SaveJobConfig(id types.JobID, cfg []byte) error {
	if err := z.init(); err != nil {
		return err
	}
	z.lock.Lock()
	defer z.lock.Unlock()
	return z.setNode(z.jobPath(id)+"/config", cfg)
}

// GetJobConfig retrieves the configuration blob of a job
func (z *ZooKeeper) GetJobConfig(id types.JobID) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	data, _, err := z.conn.Get(z.jobPath(id) + "/config")
	if err == zk.ErrNoNode {
		return nil, &cerrors.ErrNoSuchJob{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("could not read configuration for job %s: %w", id, err)
	}
	return data, nil
}
