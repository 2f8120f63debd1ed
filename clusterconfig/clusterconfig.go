// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package clusterconfig creates a cubecluster client from a shared
// configuration. Clusterconfig uses the configuration mechanism in
// package github.com/grailbio/base/config, and reads a default
// profile from $HOME/.cubecluster/config.
package clusterconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Registers the cubecluster configuration instance.
	_ "github.com/grailbio/cubecluster"
	"github.com/grailbio/cubecluster/localcluster"
)

// Path determines the location of the profile read by Parse.
var Path = os.ExpandEnv("$HOME/.cubecluster/config")

// Parse registers configuration flags, calls flag.Parse and returns
// the client configured by the "cubecluster" instance of the profile
// at Path and any flags provided. Parse panics if the cluster cannot
// be created.
func Parse() (client *localcluster.Client, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("cubecluster", &client)
	return client, client.Shutdown
}
