// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localcluster

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
)

const (
	// DefaultDashboardAddress is the address on which the dashboard is
	// served when Config.DashboardAddress is empty.
	DefaultDashboardAddress = ":8787"

	// DefaultDashboardLink is the dashboard link template used when
	// Config.DashboardLink is empty.
	DefaultDashboardLink = "http://{host}:{port}/status"

	// MemoryLimitAuto divides the host's memory, less the spare
	// memory, evenly among workers.
	MemoryLimitAuto = "auto"

	// MemoryLimitNone leaves worker memory unlimited.
	MemoryLimitNone = "none"
)

// Config describes a local cluster. Zero-valued fields take the
// documented defaults.
type Config struct {
	// Workers is the number of worker machines to start. It must be
	// positive; callers that want host-derived defaults should resolve
	// them before calling Start.
	Workers int

	// ThreadsPerWorker bounds the number of threads (GOMAXPROCS) of
	// each worker. It must be positive.
	ThreadsPerWorker int

	// MemoryLimit is the per-worker memory limit: MemoryLimitAuto
	// (the default), MemoryLimitNone or "0", or a size such as "4GB".
	MemoryLimit string

	// DashboardAddress is the address on which the dashboard is
	// served. Port 0 picks an ephemeral port.
	DashboardAddress string

	// NoDashboard disables the dashboard server.
	NoDashboard bool

	// DashboardLink is the template of the link reported for the
	// dashboard. The placeholders {host} and {port} are replaced with
	// the dashboard server's host and port.
	DashboardLink string

	// System is the bigmachine system on which workers are started.
	// Defaults to bigmachine.Local.
	System bigmachine.System

	// Status receives worker status. A new status is created if nil.
	Status *status.Status
}

func (c Config) withDefaults() Config {
	if c.MemoryLimit == "" {
		c.MemoryLimit = MemoryLimitAuto
	}
	if c.DashboardAddress == "" {
		c.DashboardAddress = DefaultDashboardAddress
	}
	if c.DashboardLink == "" {
		c.DashboardLink = DefaultDashboardLink
	}
	if c.System == nil {
		c.System = bigmachine.Local
	}
	if c.Status == nil {
		c.Status = new(status.Status)
	}
	return c
}

func (c Config) validate() error {
	if c.Workers <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("localcluster: invalid worker count %d", c.Workers))
	}
	if c.ThreadsPerWorker <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("localcluster: invalid threads per worker %d", c.ThreadsPerWorker))
	}
	return nil
}

// ParseSize parses a memory size such as "3Gb", "512MiB" or "1024".
// Decimal units are powers of 1000 and binary units powers of 1024;
// unit case is ignored. The empty string is 0.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("localcluster: invalid size %q", s), err)
	}
	return n, nil
}

// parseMemoryLimit returns the fixed limit described by s, or auto if
// the limit is to be derived from host memory.
func parseMemoryLimit(s string) (limit uint64, auto bool, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", MemoryLimitAuto:
		return 0, true, nil
	case MemoryLimitNone, "0":
		return 0, false, nil
	}
	limit, err = ParseSize(s)
	return limit, false, err
}

// autoMemoryLimit divides total, less spare, among n workers.
func autoMemoryLimit(total, spare uint64, n int) (uint64, error) {
	if spare >= total {
		return 0, errors.E(errors.Invalid,
			fmt.Sprintf("localcluster: spare memory %s exceeds host memory %s",
				humanize.Bytes(spare), humanize.Bytes(total)))
	}
	return (total - spare) / uint64(n), nil
}
