// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/JRocket1415/spark-jobserver/pkg/config"
	"github.com/JRocket1415/spark-jobserver/pkg/logging"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/supervisor"
	"github.com/JRocket1415/spark-jobserver/plugins/engines/local"
	"github.com/JRocket1415/spark-jobserver/plugins/storage/memory"
	"github.com/JRocket1415/spark-jobserver/plugins/storage/rdbms"
	"github.com/JRocket1415/spark-jobserver/plugins/storage/zookeeper"
)

var (
	flagConfig         = pflag.StringP("config", "c", "", "Path to the server configuration file (JSON or YAML)")
	flagStorageBackend = pflag.String("storageBackend", "", "Storage backend, one of memory, rdbms, zookeeper")
	flagDBURI          = pflag.String("dbURI", "", "Database URI for the rdbms backend")
	flagZKServers      = pflag.String("zkServers", "", "Comma-separated ZooKeeper ensemble for the zookeeper backend")
	flagLogLevel       = pflag.String("logLevel", "", "Log level, one of debug, info, warning, error, panic, fatal")
)

// entryPoints are the job entry points available in the in-process engine.
// They exist so a freshly built server can run jobs without any external
// compute runtime attached.
var entryPoints = map[string]local.EntryPoint{
	"noop": func(ctx context.Context, cfg []byte) error {
		return nil
	},
	"sleep": func(ctx context.Context, cfg []byte) error {
		select {
		case <-time.After(10 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}

func loadConfig(path string) (*config.Server, error) {
	if path == "" {
		return config.NewServer(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format := config.FormatJSON
	switch filepath.Ext(path) {
	case ".yml", ".yaml":
		format = config.FormatYAML
	}
	return config.ParseServer(data, format)
}

func newBackend(cfg *config.Server) (storage.Storage, error) {
	switch cfg.StorageBackend {
	case "memory":
		return memory.New()
	case "rdbms":
		return rdbms.New(cfg.DBURI), nil
	case "zookeeper":
		return zookeeper.New(cfg.ZKServers), nil
	}
	return nil, errors.New("unknown storage backend " + cfg.StorageBackend)
}

func main() {
	pflag.Parse()
	log := logging.GetLogger("jobserver")

	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("could not load configuration: %v", err)
	}
	if *flagStorageBackend != "" {
		cfg.StorageBackend = *flagStorageBackend
	}
	if *flagDBURI != "" {
		cfg.DBURI = *flagDBURI
	}
	if *flagZKServers != "" {
		cfg.ZKServers = *flagZKServers
	}
	if *flagLogLevel != "" {
		cfg.LogLevel = *flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("%v", err)
	}
	logging.SetLevel(level)

	backend, err := newBackend(cfg)
	if err != nil {
		log.Fatalf("could not set up the %s storage backend: %v", cfg.StorageBackend, err)
	}
	log.Infof("using the %s storage backend", cfg.StorageBackend)

	var facadeOpts []storage.Opt
	if maxAge := time.Duration(cfg.RetentionMaxAge); maxAge > 0 {
		facadeOpts = append(facadeOpts, storage.OptionRetention(maxAge, time.Duration(cfg.RetentionInterval)))
	}
	facade, err := storage.New(backend, facadeOpts...)
	if err != nil {
		log.Fatalf("could not initialize storage: %v", err)
	}
	defer facade.Close()

	eng := local.New()
	for name, fn := range entryPoints {
		if err := eng.Register(name, fn); err != nil {
			log.Fatal(err)
		}
	}

	ctx := context.Background()
	sup, err := supervisor.New(ctx, cfg, eng, facade)
	if err != nil {
		log.Fatalf("could not start the context supervisor: %v", err)
	}
	log.Infof("job server is up")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("received %s, shutting down", sig)

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Duration(cfg.ContextDeletionTimeout))
	defer cancel()
	if err := sup.Close(closeCtx); err != nil {
		log.Errorf("shutdown did not complete cleanly: %v", err)
	}
}
