// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package cubecluster starts a local compute cluster for data cube
	analysis from a notebook, and configures its workers for S3 access.

	Create sizes the cluster from the host: by default a single worker
	that uses every logical CPU. Workers may be set explicitly, in which
	case each worker receives floor(CPUs/workers) threads unless
	ThreadsPerWorker is also given. A part of host memory (spare memory,
	"3Gb" by convention) is withheld from the workers for the notebook
	process.

	The cluster dashboard is linked through the notebook server's
	proxy: when running under JupyterHub, the link is
	$JUPYTERHUB_SERVICE_PREFIX/proxy/{port}/status, so that it is
	reachable from the user's browser.

	Workers are started by bigmachine (package localcluster) and S3
	access is configured with the AWS SDK (package s3access):

		client, err := cubecluster.Create(ctx, cubecluster.DefaultSpareMem,
			true, true, cubecluster.StartOptions{Workers: 2}, cubecluster.S3Options{})
		if err != nil {
			log.Fatal(err)
		}
		defer client.Shutdown()

	Clusters may also be configured by a profile; see package
	clusterconfig.
*/
package cubecluster
