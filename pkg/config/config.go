// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/insomniacslk/xjson"
	"gopkg.in/yaml.v3"
)

// Format defines a type for the supported formats for server configurations.
type Format int

// List of supported server configuration formats
const (
	FormatJSON Format = iota
	FormatYAML
)

// Server collects the knobs of the job server: storage selection, context
// lifecycle timeouts, capacity limits, and retention settings.
type Server struct {
	// StorageBackend selects the persistence backend, one of "memory",
	// "rdbms" or "zookeeper".
	StorageBackend string `json:"storageBackend"`
	DBURI          string `json:"dbURI"`
	ZKServers      string `json:"zkServers"`

	// BindAddress is the address recorded in ContextInfo records as the
	// remote handle of job managers owned by this process.
	BindAddress string `json:"bindAddress"`

	// ClusterMode enables startup reconciliation of contexts recorded as
	// live in storage.
	ClusterMode bool `json:"clusterMode"`

	// ContextNamespace is an optional prefix combined with a random token
	// and the entry point when generating ad-hoc context names.
	ContextNamespace string `json:"contextNamespace"`

	MaxJobsPerContext int `json:"maxJobsPerContext"`

	ContextCreationTimeout xjson.Duration `json:"contextCreationTimeout"`
	ContextDeletionTimeout xjson.Duration `json:"contextDeletionTimeout"`
	ReconnectTimeout       xjson.Duration `json:"reconnectTimeout"`

	// RetentionMaxAge enables periodic deletion of final contexts and jobs
	// whose end time is older than this age. Zero disables retention.
	RetentionMaxAge   xjson.Duration `json:"retentionMaxAge"`
	RetentionInterval xjson.Duration `json:"retentionInterval"`

	// ContextDefaults is merged under the per-request context configuration
	// on context creation.
	ContextDefaults Context `json:"contextDefaults"`

	LogLevel string `json:"logLevel"`
}

// NewServer returns a server configuration populated with defaults.
func NewServer() *Server {
	return &Server{
		StorageBackend:         "memory",
		DBURI:                  DefaultDBURI,
		ZKServers:              DefaultZKServers,
		MaxJobsPerContext:      DefaultMaxJobsPerContext,
		ContextCreationTimeout: xjson.Duration(ContextCreationTimeout),
		ContextDeletionTimeout: xjson.Duration(ContextDeletionTimeout),
		ReconnectTimeout:       xjson.Duration(ReconnectTimeout),
		RetentionInterval:      xjson.Duration(DefaultRetentionInterval),
		LogLevel:               "debug",
	}
}

// ParseServer parses a server configuration on top of the defaults, and
// validates it. The currently supported formats are JSON and YAML; YAML input
// is converted to JSON first so both formats go through the same field
// handling (including duration strings).
func ParseServer(data []byte, format Format) (*Server, error) {
	if format == FormatYAML {
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML server configuration: %w", err)
		}
		rawJSON, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize server configuration to JSON: %w", err)
		}
		data = rawJSON
	}
	cfg := NewServer()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON server configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate performs sanity checks on the server configuration
func (cfg *Server) Validate() error {
	switch cfg.StorageBackend {
	case "memory", "rdbms", "zookeeper":
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	if cfg.MaxJobsPerContext <= 0 {
		return errors.New("maxJobsPerContext must be positive")
	}
	if time.Duration(cfg.ContextCreationTimeout) <= 0 {
		return errors.New("contextCreationTimeout must be positive")
	}
	if time.Duration(cfg.ContextDeletionTimeout) <= 0 {
		return errors.New("contextDeletionTimeout must be positive")
	}
	if time.Duration(cfg.RetentionMaxAge) != 0 && time.Duration(cfg.RetentionInterval) <= 0 {
		return errors.New("retentionInterval must be positive when retention is enabled")
	}
	return nil
}
