// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cubecluster

import (
	"context"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/cubecluster/localcluster"
	"github.com/grailbio/cubecluster/s3access"
)

func init() {
	config.Register("cubecluster", func(inst *config.Constructor) {
		var (
			startOpts     StartOptions
			s3Opts        S3Options
			spareMem      string
			awsUnsigned   bool
			displayClient bool
			system        bigmachine.System
		)
		inst.IntVar(&startOpts.Workers, "workers", 0, "number of workers; 0 starts one")
		inst.IntVar(&startOpts.ThreadsPerWorker, "threads-per-worker", 0,
			"threads per worker; 0 divides the host's logical CPUs among the workers")
		inst.StringVar(&spareMem, "spare-mem", DefaultSpareMem, "memory withheld from the cluster for the host process")
		inst.StringVar(&startOpts.MemoryLimit, "memory-limit", localcluster.MemoryLimitAuto,
			`per-worker memory limit: "auto", "none", or a size`)
		inst.StringVar(&startOpts.DashboardAddress, "dashboard", localcluster.DefaultDashboardAddress,
			"address of the dashboard server")
		inst.InstanceVar(&system, "system", "", "the bigmachine system on which workers run; local processes by default")
		inst.BoolVar(&awsUnsigned, "aws-unsigned", true, "read S3 anonymously instead of with ambient credentials")
		inst.BoolVar(&displayClient, "display", true, "display a summary of the cluster")
		inst.StringVar(&s3Opts.Region, "region", s3access.RegionAuto, "AWS region")
		inst.BoolVar(&s3Opts.RequesterPays, "requester-pays", false, "mark S3 requests as requester pays")
		inst.BoolVar(&s3Opts.CloudDefaults, "cloud-defaults", true, "use GDAL settings suited to cloud-hosted data")
		inst.Doc = "cubecluster starts a local compute cluster configured for S3 access"
		inst.New = func() (interface{}, error) {
			startOpts.System = system
			return Create(context.Background(), spareMem, awsUnsigned, displayClient, startOpts, s3Opts)
		}
	})
}
