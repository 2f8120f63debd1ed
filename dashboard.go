// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cubecluster

// ServicePrefixEnv names the environment variable that holds the URL
// prefix under which the notebook server is reachable. JupyterHub sets
// it for single-user servers, e.g. "/user/alice/".
const ServicePrefixEnv = "JUPYTERHUB_SERVICE_PREFIX"

const dashboardProxyPath = "proxy/{port}/status"

// DashboardLinkFromEnv returns the dashboard link template that routes
// through the notebook server's proxy: the service prefix, or "/" if
// unset, followed by "proxy/{port}/status".
func DashboardLinkFromEnv(lookupEnv func(string) (string, bool)) string {
	prefix, ok := lookupEnv(ServicePrefixEnv)
	if !ok {
		prefix = "/"
	}
	return prefix + dashboardProxyPath
}
