// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localcluster

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

// Client is a handle to a running local cluster. The zero Client
// describes a cluster with no workers.
type Client struct {
	config Config
	spare  uint64
	limit  uint64

	b        *bigmachine.B
	machines []*bigmachine.Machine
	tasks    []*status.Task
	infos    []WorkerInfo

	link   string
	server *http.Server

	shutdownOnce sync.Once
}

// Start starts a local cluster as described by config, withholding
// spareMem (e.g., "3Gb") of host memory from the workers. Start
// returns when every worker is running and configured, and the
// dashboard, unless disabled, is being served.
//
// Workers are started by bigmachine, which may launch copies of the
// current binary. In those copies, Start does not return.
func Start(ctx context.Context, spareMem string, config Config) (*Client, error) {
	config = config.withDefaults()
	spare, err := ParseSize(spareMem)
	if err != nil {
		return nil, err
	}
	if err = config.validate(); err != nil {
		return nil, err
	}
	limit, auto, err := parseMemoryLimit(config.MemoryLimit)
	if err != nil {
		return nil, err
	}
	c := &Client{config: config, spare: spare}
	c.b = bigmachine.Start(config.System)
	if err = c.startWorkers(ctx); err != nil {
		c.Shutdown()
		return nil, err
	}
	if auto {
		mem, err := c.machines[0].MemInfo(ctx, false)
		if err != nil {
			c.Shutdown()
			return nil, errors.E("localcluster: host memory", err)
		}
		if limit, err = autoMemoryLimit(mem.System.Total, spare, config.Workers); err != nil {
			c.Shutdown()
			return nil, err
		}
	}
	c.limit = limit
	if err = c.configureWorkers(ctx); err != nil {
		c.Shutdown()
		return nil, err
	}
	if !config.NoDashboard {
		if err = c.serveDashboard(); err != nil {
			c.Shutdown()
			return nil, err
		}
	}
	return c, nil
}

// startWorkers starts the configured number of machines with the
// worker service and waits for all of them to run.
func (c *Client) startWorkers(ctx context.Context) error {
	machines, err := c.b.Start(ctx, c.config.Workers, bigmachine.Services{"Worker": &worker{}})
	if err != nil {
		return errors.E("localcluster: starting workers", err)
	}
	group := c.config.Status.Group("workers")
	c.machines = machines
	c.tasks = make([]*status.Task, len(machines))
	g, gctx := errgroup.WithContext(ctx)
	for i := range machines {
		i, m := i, machines[i]
		task := group.Start()
		task.Print("waiting for machine to boot")
		c.tasks[i] = task
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
			case <-gctx.Done():
				task.Print("canceled")
				return gctx.Err()
			}
			if err := m.Err(); err != nil {
				log.Error.Printf("worker %s failed to start: %v", m.Addr, err)
				task.Printf("failed to start: %v", err)
				return errors.E(fmt.Sprintf("localcluster: worker %s", m.Addr), err)
			}
			task.Title(m.Addr)
			task.Print("running")
			log.Printf("worker %s is ready", m.Addr)
			return nil
		})
	}
	return g.Wait()
}

func (c *Client) configureWorkers(ctx context.Context) error {
	config := workerConfig{Threads: c.config.ThreadsPerWorker, MemoryLimit: c.limit}
	c.infos = make([]WorkerInfo, len(c.machines))
	g, ctx := errgroup.WithContext(ctx)
	for i := range c.machines {
		i, m := i, c.machines[i]
		g.Go(func() error {
			if err := m.RetryCall(ctx, ConfigureMethod, config, &c.infos[i]); err != nil {
				c.tasks[i].Printf("failed to configure: %v", err)
				return errors.E(fmt.Sprintf("localcluster: configure worker %s", m.Addr), err)
			}
			c.infos[i].Addr = m.Addr
			c.tasks[i].Printf("running: threads %d, memory limit %s",
				c.infos[i].Threads, memoryString(c.infos[i].MemoryLimit))
			return nil
		})
	}
	return g.Wait()
}

func (c *Client) serveDashboard() error {
	lis, err := net.Listen("tcp", c.config.DashboardAddress)
	if err != nil {
		return errors.E(fmt.Sprintf("localcluster: dashboard at %s", c.config.DashboardAddress), err)
	}
	mux := http.NewServeMux()
	c.HandleDebug(mux)
	c.server = &http.Server{Handler: mux}
	host, port := dashboardHostPort(lis.Addr())
	c.link = renderLink(c.config.DashboardLink, host, port)
	go func() {
		if err := c.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error.Printf("localcluster: dashboard: %v", err)
		}
	}()
	log.Printf("dashboard at %s", c.link)
	return nil
}

// HandleDebug registers the cluster's dashboard handlers with mux:
// the worker status at /status and /debug/status, and bigmachine's
// debug handlers.
func (c *Client) HandleDebug(mux *http.ServeMux) {
	if c.b != nil {
		c.b.HandleDebug(mux)
	}
	handler := status.Handler(c.Status())
	mux.Handle("/status", handler)
	mux.Handle("/debug/status", handler)
}

// Broadcast calls serviceMethod with arg on every worker. It returns
// the first error encountered.
func (c *Client) Broadcast(ctx context.Context, serviceMethod string, arg interface{}) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range c.machines {
		m := m
		g.Go(func() error {
			if err := m.RetryCall(ctx, serviceMethod, arg, nil); err != nil {
				return errors.E(fmt.Sprintf("localcluster: %s on %s", serviceMethod, m.Addr), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Call calls serviceMethod with arg on the i'th worker.
func (c *Client) Call(ctx context.Context, i int, serviceMethod string, arg, reply interface{}) error {
	if i < 0 || i >= len(c.machines) {
		return errors.E(errors.NotExist, fmt.Sprintf("localcluster: no worker %d", i))
	}
	return c.machines[i].RetryCall(ctx, serviceMethod, arg, reply)
}

// Workers returns the number of workers in the cluster.
func (c *Client) Workers() int { return len(c.machines) }

// ThreadsPerWorker returns the thread bound of each worker.
func (c *Client) ThreadsPerWorker() int { return c.config.ThreadsPerWorker }

// MemoryLimit returns the per-worker memory limit; 0 is unlimited.
func (c *Client) MemoryLimit() uint64 { return c.limit }

// SpareMemory returns the memory withheld from the workers.
func (c *Client) SpareMemory() uint64 { return c.spare }

// DashboardLink returns the link to the cluster's dashboard, or the
// empty string if no dashboard is served.
func (c *Client) DashboardLink() string { return c.link }

// WorkerInfos returns the configuration reported by each worker.
func (c *Client) WorkerInfos() []WorkerInfo {
	return append([]WorkerInfo(nil), c.infos...)
}

// Status returns the status to which worker state is reported.
func (c *Client) Status() *status.Status {
	if c.config.Status == nil {
		c.config.Status = new(status.Status)
	}
	return c.config.Status
}

func (c *Client) String() string {
	return fmt.Sprintf("<Client: dashboard=%q workers=%d threads=%d memory=%s>",
		c.link, c.Workers(), c.Workers()*c.ThreadsPerWorker(), memoryString(c.limit))
}

// Display writes a human-readable summary of the cluster to w.
func (c *Client) Display(w io.Writer) {
	fmt.Fprintln(w, "Client")
	if c.link != "" {
		fmt.Fprintf(w, "  dashboard:           %s\n", c.link)
	} else {
		fmt.Fprintln(w, "  dashboard:           none")
	}
	fmt.Fprintln(w, "Cluster")
	fmt.Fprintf(w, "  workers:             %d\n", c.Workers())
	fmt.Fprintf(w, "  threads per worker:  %d\n", c.ThreadsPerWorker())
	fmt.Fprintf(w, "  total threads:       %d\n", c.Workers()*c.ThreadsPerWorker())
	fmt.Fprintf(w, "  memory per worker:   %s\n", memoryString(c.limit))
	fmt.Fprintf(w, "  spare memory:        %s\n", data.Size(c.spare))
	for i, info := range c.infos {
		fmt.Fprintf(w, "  worker %d:            %s (pid %d)\n", i, info.Addr, info.Pid)
	}
}

// Shutdown stops the dashboard server and the cluster's workers. It
// is safe to call more than once.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		if c.server != nil {
			if err := c.server.Close(); err != nil {
				log.Error.Printf("localcluster: closing dashboard: %v", err)
			}
		}
		for _, task := range c.tasks {
			task.Done()
		}
		if c.b != nil {
			c.b.Shutdown()
		}
	})
}

func dashboardHostPort(addr net.Addr) (host string, port int) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "localhost", 0
	}
	host = "localhost"
	if tcp.IP != nil && !tcp.IP.IsUnspecified() {
		host = tcp.IP.String()
	}
	return host, tcp.Port
}

// renderLink substitutes host and port into a dashboard link template.
func renderLink(template, host string, port int) string {
	return strings.NewReplacer(
		"{host}", host,
		"{port}", strconv.Itoa(port),
	).Replace(template)
}
