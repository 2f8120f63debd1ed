// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command cubecluster starts a local compute cluster configured for
// S3 access and serves it until interrupted. Run cubecluster -help
// for the supported flags.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/cubecluster/clusterflags"
)

func main() {
	var cf clusterflags.Flags
	clusterflags.RegisterFlags(flag.CommandLine, &cf, "")
	log.AddFlags()
	flag.Parse()
	client, err := cf.Create(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	defer client.Shutdown()
	if cf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, client.Status())
	}
	if link := client.DashboardLink(); link != "" {
		log.Printf("cluster of %d workers running; dashboard at %s", client.Workers(), link)
	} else {
		log.Printf("cluster of %d workers running", client.Workers())
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Printf("%v: shutting down", sig)
}
