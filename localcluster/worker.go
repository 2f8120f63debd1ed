// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localcluster

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"sort"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

const (
	// ConfigureMethod configures a worker's threads and memory limit.
	ConfigureMethod = "Worker.Configure"
	// SetenvMethod applies a set of environment variables to a worker.
	SetenvMethod = "Worker.Setenv"
	// EnvMethod looks up a set of environment variables on a worker.
	EnvMethod = "Worker.Env"
)

func init() {
	gob.Register(&worker{})
}

// Worker is the bigmachine service installed on every cluster
// machine, registered under the name "Worker".
type worker struct {
	// Exported satisfies gob, which needs at least one exported field.
	Exported struct{}
}

type workerConfig struct {
	Threads     int
	MemoryLimit uint64
}

// WorkerInfo describes a configured worker.
type WorkerInfo struct {
	Addr        string
	Hostname    string
	Pid         int
	NumCPU      int
	Threads     int
	MemoryLimit uint64
}

// Configure bounds the worker's threads and, if nonzero, its memory.
func (w *worker) Configure(ctx context.Context, config workerConfig, info *WorkerInfo) error {
	if config.Threads <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid thread count %d", config.Threads))
	}
	runtime.GOMAXPROCS(config.Threads)
	if config.MemoryLimit > 0 {
		limit := int64(math.MaxInt64)
		if config.MemoryLimit < math.MaxInt64 {
			limit = int64(config.MemoryLimit)
		}
		debug.SetMemoryLimit(limit)
	}
	info.Hostname, _ = os.Hostname()
	info.Pid = os.Getpid()
	info.NumCPU = runtime.NumCPU()
	info.Threads = runtime.GOMAXPROCS(0)
	info.MemoryLimit = config.MemoryLimit
	log.Printf("worker %d: threads %d, memory limit %s", info.Pid, info.Threads, memoryString(info.MemoryLimit))
	return nil
}

// Setenv applies env to the worker's process environment. Empty
// values unset the variable.
func (w *worker) Setenv(ctx context.Context, env map[string]string, _ *struct{}) error {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		var err error
		if env[key] == "" {
			err = os.Unsetenv(key)
		} else {
			err = os.Setenv(key, env[key])
		}
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("setenv %s", key), err)
		}
	}
	log.Debug.Printf("worker %d: set %d environment variables", os.Getpid(), len(keys))
	return nil
}

// Env reports the values of the named environment variables that are
// set on the worker.
func (w *worker) Env(ctx context.Context, keys []string, env *map[string]string) error {
	*env = make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			(*env)[key] = val
		}
	}
	return nil
}

func memoryString(n uint64) string {
	if n == 0 {
		return "unlimited"
	}
	return data.Size(n).String()
}
