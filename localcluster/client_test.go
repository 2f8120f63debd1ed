// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localcluster

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func startTestCluster(t *testing.T, workers int, config Config) (*testsystem.System, *Client) {
	t.Helper()
	system := testsystem.New()
	system.KeepalivePeriod = time.Second
	system.KeepaliveTimeout = 5 * time.Second
	system.KeepaliveRpcTimeout = time.Second
	config.Workers = workers
	// Workers run in the test process; keep its GOMAXPROCS and memory
	// limit unchanged.
	config.ThreadsPerWorker = runtime.GOMAXPROCS(0)
	config.MemoryLimit = MemoryLimitNone
	config.System = system
	if config.DashboardAddress == "" {
		config.DashboardAddress = "127.0.0.1:0"
	}
	c, err := Start(context.Background(), "1Gb", config)
	assert.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return system, c
}

func TestStart(t *testing.T) {
	system, c := startTestCluster(t, 2, Config{})
	if got, want := system.N(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Workers(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	expect.EQ(t, c.ThreadsPerWorker(), runtime.GOMAXPROCS(0))
	expect.EQ(t, c.SpareMemory(), uint64(1e9))
	expect.EQ(t, c.MemoryLimit(), uint64(0))
	infos := c.WorkerInfos()
	if got, want := len(infos), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, info := range infos {
		expect.EQ(t, info.Threads, runtime.GOMAXPROCS(0))
		expect.EQ(t, info.Pid, os.Getpid())
		if info.Addr == "" {
			t.Error("missing worker address")
		}
	}
}

func TestDashboard(t *testing.T) {
	_, c := startTestCluster(t, 1, Config{})
	link := c.DashboardLink()
	if !strings.HasPrefix(link, "http://127.0.0.1:") || !strings.HasSuffix(link, "/status") {
		t.Fatalf("unexpected dashboard link %q", link)
	}
	resp, err := http.Get(link)
	assert.NoError(t, err)
	resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDashboardLinkTemplate(t *testing.T) {
	_, c := startTestCluster(t, 1, Config{DashboardLink: "/user/test/proxy/{port}/status"})
	link := c.DashboardLink()
	if !strings.HasPrefix(link, "/user/test/proxy/") || strings.Contains(link, "{port}") {
		t.Errorf("unexpected dashboard link %q", link)
	}
}

func TestNoDashboard(t *testing.T) {
	_, c := startTestCluster(t, 1, Config{NoDashboard: true})
	expect.EQ(t, c.DashboardLink(), "")
}

func TestBroadcast(t *testing.T) {
	_, c := startTestCluster(t, 2, Config{})
	const key = "LOCALCLUSTER_TEST_BROADCAST"
	defer os.Unsetenv(key)
	ctx := context.Background()
	assert.NoError(t, c.Broadcast(ctx, SetenvMethod, map[string]string{key: "yes"}))
	for i := 0; i < c.Workers(); i++ {
		var env map[string]string
		assert.NoError(t, c.Call(ctx, i, EnvMethod, []string{key, key + "_UNSET"}, &env))
		expect.EQ(t, env, map[string]string{key: "yes"})
	}
	if err := c.Call(ctx, c.Workers(), EnvMethod, []string{key}, nil); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestStartInvalid(t *testing.T) {
	ctx := context.Background()
	for _, config := range []Config{
		{Workers: 0, ThreadsPerWorker: 1},
		{Workers: 1, ThreadsPerWorker: 0},
		{Workers: 1, ThreadsPerWorker: 1, MemoryLimit: "plenty"},
	} {
		config.System = testsystem.New()
		if _, err := Start(ctx, "3Gb", config); !errors.Is(errors.Invalid, err) {
			t.Errorf("%+v: got %v, want invalid", config, err)
		}
	}
	config := Config{Workers: 1, ThreadsPerWorker: 1, System: testsystem.New()}
	if _, err := Start(ctx, "three gigs", config); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestDisplay(t *testing.T) {
	_, c := startTestCluster(t, 2, Config{})
	var b bytes.Buffer
	c.Display(&b)
	out := b.String()
	for _, want := range []string{
		"dashboard:           " + c.DashboardLink(),
		"workers:             2",
		"memory per worker:   unlimited",
		"worker 1:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("display %q does not contain %q", out, want)
		}
	}
	if !strings.Contains(c.String(), c.DashboardLink()) {
		t.Errorf("%s: missing dashboard link", c)
	}
}

func TestZeroClient(t *testing.T) {
	var c Client
	expect.EQ(t, c.Workers(), 0)
	expect.EQ(t, c.DashboardLink(), "")
	assert.NoError(t, c.Broadcast(context.Background(), SetenvMethod, map[string]string{}))
	var b bytes.Buffer
	c.Display(&b)
	if !strings.Contains(b.String(), "dashboard:           none") {
		t.Errorf("unexpected display %q", b.String())
	}
	c.Shutdown()
	c.Shutdown()
}
