// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package clusterflags provides flag support for command line tools
// that start a cubecluster.
package clusterflags

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/cubecluster"
	"github.com/grailbio/cubecluster/localcluster"
	"github.com/grailbio/cubecluster/s3access"
)

// Flags represents all of the flags that can be used to configure a
// cluster.
type Flags struct {
	Workers          int
	ThreadsPerWorker int
	SpareMem         string
	MemoryLimit      string
	Dashboard        cmdutil.NetworkAddressFlag
	NoDashboard      bool
	AWSUnsigned      bool
	Region           string
	RequesterPays    bool
	CloudDefaults    bool
	S3Settings       SettingsFlag
	Display          bool
	ConsoleStatus    bool
	fs               *flag.FlagSet
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	SpareMem    string
	MemoryLimit string
	Dashboard   string
	AWSUnsigned bool
	Region      string
	Display     bool
}

// RegisterFlags registers the cluster flags with the supplied flag
// set. The flag names are prefixed with the supplied prefix.
func RegisterFlags(fs *flag.FlagSet, cf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, cf, prefix, Defaults{
		SpareMem:    cubecluster.DefaultSpareMem,
		MemoryLimit: localcluster.MemoryLimitAuto,
		Dashboard:   localcluster.DefaultDashboardAddress,
		AWSUnsigned: true,
		Region:      s3access.RegionAuto,
		Display:     true,
	})
}

// RegisterFlagsWithDefaults registers the cluster flags with the
// supplied flag set and defaults. The flag names are prefixed with
// the supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, cf *Flags, prefix string, defaults Defaults) {
	fs.IntVar(&cf.Workers, prefix+"workers", 0, "number of workers; 0 starts one")
	fs.IntVar(&cf.ThreadsPerWorker, prefix+"threads-per-worker", 0, "threads per worker; 0 divides the logical CPUs among the workers")
	fs.StringVar(&cf.SpareMem, prefix+"spare-mem", defaults.SpareMem, "memory withheld from the cluster for this process")
	fs.StringVar(&cf.MemoryLimit, prefix+"memory-limit", defaults.MemoryLimit, `per-worker memory limit: "auto", "none", or a size`)
	fs.Var(&cf.Dashboard, prefix+"dashboard", "address of the dashboard server")
	cf.Dashboard.Set(defaults.Dashboard)
	cf.Dashboard.Specified = false
	fs.BoolVar(&cf.NoDashboard, prefix+"no-dashboard", false, "do not serve the dashboard")
	fs.BoolVar(&cf.AWSUnsigned, prefix+"aws-unsigned", defaults.AWSUnsigned, "read S3 anonymously; false propagates ambient credentials to workers")
	fs.StringVar(&cf.Region, prefix+"region", defaults.Region, "AWS region, or auto")
	fs.BoolVar(&cf.RequesterPays, prefix+"requester-pays", false, "mark S3 requests as requester pays")
	fs.BoolVar(&cf.CloudDefaults, prefix+"cloud-defaults", true, "use GDAL settings suited to cloud-hosted data")
	fs.Var(&cf.S3Settings, prefix+"s3-setting", "additional key=val environment setting for S3 access; may be repeated")
	fs.BoolVar(&cf.Display, prefix+"display", defaults.Display, "display a summary of the cluster")
	fs.BoolVar(&cf.ConsoleStatus, prefix+"console-status", false, "print worker status to stdout")
	cf.fs = fs
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (cf *Flags) Output() io.Writer {
	if cf.fs == nil {
		return os.Stderr
	}
	if wr := cf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// StartOptions returns the start options specified by the flags.
func (cf *Flags) StartOptions() cubecluster.StartOptions {
	return cubecluster.StartOptions{
		Workers:          cf.Workers,
		ThreadsPerWorker: cf.ThreadsPerWorker,
		MemoryLimit:      cf.MemoryLimit,
		DashboardAddress: cf.Dashboard.Address,
		NoDashboard:      cf.NoDashboard,
	}
}

// S3Options returns the storage options specified by the flags.
func (cf *Flags) S3Options() cubecluster.S3Options {
	opts := cubecluster.S3Options{
		Region:        cf.Region,
		RequesterPays: cf.RequesterPays,
		CloudDefaults: cf.CloudDefaults,
	}
	if len(cf.S3Settings) > 0 {
		opts.Extra = make(map[string]string, len(cf.S3Settings))
		for key, val := range cf.S3Settings {
			opts.Extra[key] = val
		}
	}
	return opts
}

// Create creates a cluster as configured by the flags.
func (cf *Flags) Create(ctx context.Context) (*localcluster.Client, error) {
	return cubecluster.Create(ctx, cf.SpareMem, cf.AWSUnsigned, cf.Display, cf.StartOptions(), cf.S3Options())
}

// SettingsFlag is a repeatable flag of key=val settings.
type SettingsFlag map[string]string

// String implements flag.Value.String.
func (s SettingsFlag) String() string {
	settings := make([]string, 0, len(s))
	for key, val := range s {
		settings = append(settings, key+"="+val)
	}
	sort.Strings(settings)
	return strings.Join(settings, ",")
}

// Set implements flag.Value.Set.
func (s *SettingsFlag) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return fmt.Errorf("not in key=val format %q", v)
	}
	if *s == nil {
		*s = make(SettingsFlag)
	}
	(*s)[parts[0]] = parts[1]
	return nil
}
