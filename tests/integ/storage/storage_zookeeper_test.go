// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

//go:build integration_storage
// +build integration_storage

package test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/JRocket1415/spark-jobserver/plugins/storage/zookeeper"
)

func TestStorageSuiteZooKeeper(t *testing.T) {
	backend := zookeeper.New("zookeeper:2181", zookeeper.BasePath("/jobserver_integ"))
	suite.Run(t, &StorageSuite{storage: backend})
}
