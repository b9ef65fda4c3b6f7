// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var serverConfigYAML = `
storageBackend: zookeeper
zkServers: "zk1:2181,zk2:2181"
contextCreationTimeout: 90s
retentionMaxAge: 720h
retentionInterval: 2h
contextDefaults:
  spark.executor.memory: 512m
`

func TestParseServerYAML(t *testing.T) {
	cfg, err := ParseServer([]byte(serverConfigYAML), FormatYAML)
	require.NoError(t, err)
	require.Equal(t, "zookeeper", cfg.StorageBackend)
	require.Equal(t, "zk1:2181,zk2:2181", cfg.ZKServers)
	require.Equal(t, 90*time.Second, time.Duration(cfg.ContextCreationTimeout))
	require.Equal(t, 720*time.Hour, time.Duration(cfg.RetentionMaxAge))
	// defaults survive for fields the file does not set
	require.Equal(t, DefaultMaxJobsPerContext, cfg.MaxJobsPerContext)
	require.Equal(t, "512m", cfg.ContextDefaults["spark.executor.memory"])
}

func TestParseServerRejectsUnknownBackend(t *testing.T) {
	_, err := ParseServer([]byte(`{"storageBackend": "papyrus"}`), FormatJSON)
	require.Error(t, err)
}

func TestContextMerge(t *testing.T) {
	defaults := Context{"a": "1", "b": "2"}
	merged := defaults.Merge(Context{"b": "3", "c": "4"})
	require.Equal(t, Context{"a": "1", "b": "3", "c": "4"}, merged)
	// inputs are not modified
	require.Equal(t, "2", defaults["b"])
}

func TestContextMaxJobs(t *testing.T) {
	require.Equal(t, 8, Context{}.MaxJobs(8))
	require.Equal(t, 2, Context{MaxJobsKey: "2"}.MaxJobs(8))
	require.Equal(t, 8, Context{MaxJobsKey: "zero"}.MaxJobs(8))
}

func TestContextSerializeRoundTrip(t *testing.T) {
	cfg := Context{"spark.master": "local[2]"}
	data, err := cfg.Serialize()
	require.NoError(t, err)
	parsed, err := DeserializeContext(data)
	require.NoError(t, err)
	require.Equal(t, cfg, parsed)
}
