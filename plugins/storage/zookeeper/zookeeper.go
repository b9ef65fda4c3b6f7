// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package zookeeper

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/JRocket1415/spark-jobserver/pkg/cerrors"
	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/logging"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
)

var log = logging.GetLogger("plugin/storage/zookeeper")

const defaultSessionTimeout = 10 * time.Second
const defaultBasePath = "/jobserver"

// ZooKeeper implements a storage engine which stores contexts, jobs, job
// configurations and binaries as path-addressed nodes in a ZooKeeper
// ensemble. It is suited to deployments that already run a coordination
// service and have no central database. Records are stored as JSON under:
//
//	{base}/binaries/{name}         list of binary records, newest first
//	{base}/binaries_contents/{id}  raw blob bytes, keyed by content hash
//	{base}/contexts/{id}           context record
//	{base}/jobs/{id}               job record
//	{base}/jobs/{id}/config        serialized job configuration
type ZooKeeper struct {
	servers        []string
	basePath       string
	sessionTimeout time.Duration

	initOnce *sync.Once
	// lock serializes read-modify-write sequences (final-state guard,
	// binary list updates) against this ensemble.
	lock *sync.Mutex

	conn *zk.Conn
}

// Opt is a function type that sets parameters on the ZooKeeper object
type Opt func(z *ZooKeeper)

// BasePath overrides the root path all nodes are created under.
func BasePath(path string) Opt {
	return func(z *ZooKeeper) {
		z.basePath = strings.TrimRight(path, "/")
	}
}

// SessionTimeout overrides the ZooKeeper session timeout.
func SessionTimeout(timeout time.Duration) Opt {
	return func(z *ZooKeeper) {
		z.sessionTimeout = timeout
	}
}

// New creates a ZooKeeper storage backend with default parameters. The
// servers string is a comma-separated ensemble list.
func New(servers string, opts ...Opt) storage.ResettableStorage {
	backend := ZooKeeper{
		servers:        strings.Split(servers, ","),
		basePath:       defaultBasePath,
		sessionTimeout: defaultSessionTimeout,
		initOnce:       &sync.Once{},
		lock:           &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(&backend)
	}
	return &backend
}

func (z *ZooKeeper) init() error {
	initFunc := func() error {
		conn, _, err := zk.Connect(z.servers, z.sessionTimeout, zk.WithLogInfo(false))
		if err != nil {
			return fmt.Errorf("could not connect to zookeeper ensemble %v: %w", z.servers, err)
		}
		z.conn = conn
		log.Debugf("connected to zookeeper ensemble %v", z.servers)
		for _, dir := range []string{"binaries", "binaries_contents", "contexts", "jobs"} {
			if err := z.ensurePath(z.basePath + "/" + dir); err != nil {
				return err
			}
		}
		return nil
	}

	var initErr error
	z.initOnce.Do(func() {
		initErr = initFunc()
	})
	if initErr != nil {
		return initErr
	}
	if z.conn == nil {
		return fmt.Errorf("zookeeper connection was not initialized correctly")
	}
	return nil
}

// Version returns the version of the node layout this backend speaks
func (z *ZooKeeper) Version() (uint64, error) {
	if err := z.init(); err != nil {
		return 0, err
	}
	return 1, nil
}

// ensurePath creates the given path and any missing parents.
func (z *ZooKeeper) ensurePath(path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	current := ""
	for _, part := range parts {
		current += "/" + part
		_, err := z.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("could not create node %s: %w", current, err)
		}
	}
	return nil
}

// setNode writes data at path, creating the node and its parents on demand.
func (z *ZooKeeper) setNode(path string, data []byte) error {
	_, err := z.conn.Set(path, data, -1)
	if err == zk.ErrNoNode {
		if err := z.ensurePath(path); err != nil {
			return err
		}
		_, err = z.conn.Set(path, data, -1)
	}
	if err != nil {
		return fmt.Errorf("could not write node %s: %w", path, err)
	}
	return nil
}

// deleteRecursive deletes a node and all of its children.
func (z *ZooKeeper) deleteRecursive(path string) error {
	children, _, err := z.conn.Children(path)
	if err == zk.ErrNoNode {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not list children of %s: %w", path, err)
	}
	for _, child := range children {
		if err := z.deleteRecursive(path + "/" + child); err != nil {
			return err
		}
	}
	if err := z.conn.Delete(path, -1); err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("could not delete node %s: %w", path, err)
	}
	return nil
}

// Reset removes every node below the base path. It's meant to be used after
// integration tests.
func (z *ZooKeeper) Reset() error {
	if err := z.init(); err != nil {
		return err
	}
	z.lock.Lock()
	defer z.lock.Unlock()
	if err := z.deleteRecursive(z.basePath); err != nil {
		return err
	}
	for _, dir := range []string{"binaries", "binaries_contents", "contexts", "jobs"} {
		if err := z.ensurePath(z.basePath + "/" + dir); err != nil {
			return err
		}
	}
	return nil
}

func (z *ZooKeeper) binaryPath(appName string) string {
	return z.basePath + "/binaries/" + appName
}

func (z *ZooKeeper) blobPath(storageID string) string {
	return z.basePath + "/binaries_contents/" + storageID
}

// getBinaryEntries reads the metadata entry list of one app name, newest
// first. A missing node yields an empty list.
func (z *ZooKeeper) getBinaryEntries(appName string) ([]*job.BinaryInfo, error) {
	data, _, err := z.conn.Get(z.binaryPath(appName))
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read binary entries for %s: %w", appName, err)
	}
	var entries []*job.BinaryInfo
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("could not deserialize binary entries for %s: %w", appName, err)
	}
	return entries, nil
}

// SaveBinaryInfo prepends a metadata entry to the app name's entry list
func (z *ZooKeeper) SaveBinaryInfo(info *job.BinaryInfo) error {
	if err := z.init(); err != nil {
		return err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	entries, err := z.getBinaryEntries(info.AppName)
	if err != nil {
		return err
	}
	clone := *info
	entries = append([]*job.BinaryInfo{&clone}, entries...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].UploadTime.After(entries[j].UploadTime) })
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("could not serialize binary entries for %s: %w", info.AppName, err)
	}
	return z.setNode(z.binaryPath(info.AppName), data)
}

// GetBinary returns the most recently uploaded metadata entry for an app
// name
func (z *ZooKeeper) GetBinary(appName string) (*job.BinaryInfo, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	entries, err := z.getBinaryEntries(appName)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &cerrors.ErrNoSuchBinary{AppName: appName}
	}
	return entries[0], nil
}

// GetBinariesByStorageID returns one metadata entry per distinct app name
// sharing the storage id
func (z *ZooKeeper) GetBinariesByStorageID(storageID string) ([]*job.BinaryInfo, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	names, _, err := z.conn.Children(z.basePath + "/binaries")
	if err != nil {
		return nil, fmt.Errorf("could not list binaries: %w", err)
	}
	sort.Strings(names)
	res := []*job.BinaryInfo{}
	for _, name := range names {
		entries, err := z.getBinaryEntries(name)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.StorageID == storageID {
				res = append(res, entry)
				break
			}
		}
	}
	return res, nil
}

// DeleteBinary removes the entry list node of an app name. The blob nodes
// are left alone, as other app names may reference the same content.
func (z *ZooKeeper) DeleteBinary(appName string) error {
	if err := z.init(); err != nil {
		return err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	err := z.conn.Delete(z.binaryPath(appName), -1)
	if err == zk.ErrNoNode {
		return &cerrors.ErrNoSuchBinary{AppName: appName}
	}
	if err != nil {
		return fmt.Errorf("could not delete binary %s: %w", appName, err)
	}
	return nil
}

// SaveBlob stores content under its storage id, once per distinct content
func (z *ZooKeeper) SaveBlob(storageID string, content []byte) error {
	if err := z.init(); err != nil {
		return err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	_, err := z.conn.Create(z.blobPath(storageID), content, 0, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		// identical content maps to the same storage id, keep the node
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not store binary content %s: %w", storageID, err)
	}
	return nil
}

// GetBlob returns the content stored under a storage id
func (z *ZooKeeper) GetBlob(storageID string) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	data, _, err := z.conn.Get(z.blobPath(storageID))
	if err == zk.ErrNoNode {
		return nil, &cerrors.ErrNoSuchBinary{AppName: storageID}
	}
	if err != nil {
		return nil, fmt.Errorf("could not get binary content %s: %w", storageID, err)
	}
	return data, nil
}

// DeleteBlob removes the content stored under a storage id
func (z *ZooKeeper) DeleteBlob(storageID string) error {
	if err := z.init(); err != nil {
		return err
	}
	z.lock.Lock()
	defer z.lock.Unlock()

	if err := z.conn.Delete(z.blobPath(storageID), -1); err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("could not delete binary content %s: %w", storageID, err)
	}
	return nil
}
