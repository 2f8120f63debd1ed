// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cubecluster

import (
	"context"
	"io"
	"os"
	"runtime"

	"github.com/grailbio/cubecluster/localcluster"
	"github.com/grailbio/cubecluster/s3access"
)

// DefaultSpareMem is the memory conventionally withheld from the
// cluster for the notebook process.
const DefaultSpareMem = "3Gb"

// StartOptions configures the cluster started by Create. Workers and
// ThreadsPerWorker default from host resources; see
// ResolveStartOptions. DashboardLink is always set by Create.
type StartOptions = localcluster.Config

// S3Options configures storage access. It is forwarded unmodified.
type S3Options = s3access.Options

// A Starter starts a cluster, withholding spareMem of host memory
// from it.
type Starter interface {
	Start(ctx context.Context, spareMem string, config localcluster.Config) (*localcluster.Client, error)
}

// StarterFunc adapts a function to a Starter.
type StarterFunc func(ctx context.Context, spareMem string, config localcluster.Config) (*localcluster.Client, error)

// Start implements Starter.
func (f StarterFunc) Start(ctx context.Context, spareMem string, config localcluster.Config) (*localcluster.Client, error) {
	return f(ctx, spareMem, config)
}

// A StorageConfigurer makes object storage reachable from the workers
// of a cluster.
type StorageConfigurer interface {
	Configure(ctx context.Context, unsigned bool, client s3access.Broadcaster, opts s3access.Options) error
}

// Launcher creates clusters. The zero Launcher starts bigmachine
// workers on the local host, configures S3 access with aws-sdk-go,
// sizes the cluster from runtime.NumCPU, reads the service prefix from
// the process environment, and displays clients on os.Stdout.
type Launcher struct {
	Starter   Starter
	Storage   StorageConfigurer
	NumCPU    func() int
	LookupEnv func(key string) (string, bool)
	Output    io.Writer
}

// Create starts a cluster and configures it for S3 access. See
// (*Launcher).Create.
func Create(ctx context.Context, spareMem string, awsUnsigned, displayClient bool, startOpts StartOptions, s3Opts S3Options) (*localcluster.Client, error) {
	var l Launcher
	return l.Create(ctx, spareMem, awsUnsigned, displayClient, startOpts, s3Opts)
}

// Create starts a cluster with startOpts, withholding spareMem (e.g.,
// "3Gb") of host memory, and configures its workers for S3 access:
// anonymous if awsUnsigned, otherwise with the ambient credentials
// of the current process. If displayClient is set, a summary of the
// client, including the dashboard link, is written to the launcher's
// output. Errors from the starter and the storage configurer are
// returned as is; a cluster whose storage configuration fails is shut
// down.
func (l *Launcher) Create(ctx context.Context, spareMem string, awsUnsigned, displayClient bool, startOpts StartOptions, s3Opts S3Options) (*localcluster.Client, error) {
	config := ResolveStartOptions(startOpts, l.numCPU())
	config.DashboardLink = DashboardLinkFromEnv(l.lookupEnv())
	client, err := l.starter().Start(ctx, spareMem, config)
	if err != nil {
		return nil, err
	}
	if err := l.storage().Configure(ctx, awsUnsigned, client, s3Opts); err != nil {
		client.Shutdown()
		return nil, err
	}
	if displayClient {
		client.Display(l.output())
	}
	return client, nil
}

// ResolveStartOptions returns a copy of opts with host-derived
// defaults: a single worker, and floor(ncpu/workers) threads per
// worker, but at least one. Values set in opts are kept.
func ResolveStartOptions(opts StartOptions, ncpu int) StartOptions {
	if opts.Workers == 0 {
		opts.Workers = 1
	}
	if opts.ThreadsPerWorker == 0 {
		opts.ThreadsPerWorker = 1
		if opts.Workers > 0 && ncpu/opts.Workers > 1 {
			opts.ThreadsPerWorker = ncpu / opts.Workers
		}
	}
	return opts
}

func (l *Launcher) starter() Starter {
	if l.Starter != nil {
		return l.Starter
	}
	return StarterFunc(localcluster.Start)
}

func (l *Launcher) storage() StorageConfigurer {
	if l.Storage != nil {
		return l.Storage
	}
	return s3access.Configurer{}
}

func (l *Launcher) numCPU() int {
	if l.NumCPU != nil {
		return l.NumCPU()
	}
	return runtime.NumCPU()
}

func (l *Launcher) lookupEnv() func(string) (string, bool) {
	if l.LookupEnv != nil {
		return l.LookupEnv
	}
	return os.LookupEnv
}

func (l *Launcher) output() io.Writer {
	if l.Output != nil {
		return l.Output
	}
	return os.Stdout
}
