// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package s3access configures S3 access for a local cluster: the
// client process and every worker receive the same AWS settings,
// either for anonymous (unsigned) reads of public data or with the
// ambient credentials of the client process.
//
// Settings are propagated as environment variables understood by the
// AWS SDKs and by GDAL, so that readers started on workers pick them
// up. In the client process, s3:// paths are additionally made
// available through github.com/grailbio/base/file.
package s3access

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cubecluster/localcluster"
)

// RegionAuto resolves the region from the environment, the shared
// AWS configuration or EC2 instance metadata, in that order, and
// falls back to DefaultRegion.
const RegionAuto = "auto"

// DefaultRegion is used when RegionAuto cannot be resolved.
const DefaultRegion = "us-west-2"

// Environment variables set by Configure.
const (
	EnvNoSignRequest   = "AWS_NO_SIGN_REQUEST"
	EnvAccessKeyID     = "AWS_ACCESS_KEY_ID"
	EnvSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	EnvSessionToken    = "AWS_SESSION_TOKEN"
	EnvRegion          = "AWS_REGION"
	EnvDefaultRegion   = "AWS_DEFAULT_REGION"
	EnvRequestPayer    = "AWS_REQUEST_PAYER"
)

// cloudDefaults are GDAL settings that avoid needless requests when
// reading cloud-hosted rasters.
var cloudDefaults = map[string]string{
	"GDAL_DISABLE_READDIR_ON_OPEN": "EMPTY_DIR",
	"GDAL_HTTP_MAX_RETRY":          "10",
	"GDAL_HTTP_RETRY_DELAY":        "0.5",
}

// Options configures S3 access.
type Options struct {
	// Region is the AWS region, or RegionAuto (the default).
	Region string
	// Profile names a shared-configuration profile used to resolve
	// credentials for signed access.
	Profile string
	// RequesterPays marks requests as paid by the requester.
	RequesterPays bool
	// CloudDefaults adds GDAL settings suited to cloud-hosted data.
	CloudDefaults bool
	// Extra settings are applied last, and override the others. An
	// empty value unsets the variable.
	Extra map[string]string
}

// A Broadcaster calls a service method on every worker of a cluster.
// *localcluster.Client is a Broadcaster.
type Broadcaster interface {
	Broadcast(ctx context.Context, serviceMethod string, arg interface{}) error
}

// Configurer configures S3 access. The zero Configurer uses the
// process environment and EC2 instance metadata.
type Configurer struct {
	// LookupEnv looks up environment variables; defaults to os.LookupEnv.
	LookupEnv func(key string) (string, bool)
	// ConfigRegion returns the region set for a profile in the shared
	// AWS configuration, or "". Defaults to reading ~/.aws/config.
	ConfigRegion func(profile string) string
	// MetadataRegion returns the region of the EC2 instance on which
	// the process runs. Defaults to querying instance metadata.
	MetadataRegion func() (string, error)
}

var (
	registerOnce sync.Once
	s3Provider   = new(provider)
)

// Configure computes the S3 settings for unsigned or signed access,
// applies them to the current process and broadcasts them to the
// workers of client. A nil client configures the current process
// only.
//
// The s3 scheme of github.com/grailbio/base/file is registered on the
// first call; every call replaces the credentials and region it uses,
// so s3:// paths opened in the current process follow the most recent
// configuration.
func (c Configurer) Configure(ctx context.Context, unsigned bool, client Broadcaster, opts Options) error {
	env, creds, err := c.Settings(ctx, unsigned, opts)
	if err != nil {
		return err
	}
	env = clearStale(env)
	if err := setenv(env); err != nil {
		return err
	}
	sessOpts := sessionOptions(env[EnvRegion], opts.Profile)
	sessOpts.Config.Credentials = creds
	s3Provider.set(s3file.NewDefaultProvider(sessOpts))
	registerOnce.Do(func() {
		file.RegisterImplementation("s3", func() file.Implementation {
			return s3file.NewImplementation(s3Provider, s3file.Options{})
		})
	})
	if client == nil {
		return nil
	}
	log.Printf("s3access: configuring %s access on workers", accessMode(unsigned))
	return client.Broadcast(ctx, localcluster.SetenvMethod, env)
}

// Settings returns the environment settings and credentials for
// unsigned or signed access. Signed access resolves credentials with
// the AWS default provider chain; resolution failures are returned.
func (c Configurer) Settings(ctx context.Context, unsigned bool, opts Options) (map[string]string, *credentials.Credentials, error) {
	region := c.region(opts)
	env := make(map[string]string)
	var creds *credentials.Credentials
	if unsigned {
		creds = credentials.AnonymousCredentials
		env[EnvNoSignRequest] = "YES"
	} else {
		sess, err := session.NewSessionWithOptions(sessionOptions(region, opts.Profile))
		if err != nil {
			return nil, nil, errors.E("s3access: aws session", err)
		}
		creds = sess.Config.Credentials
		val, err := creds.Get()
		if err != nil {
			return nil, nil, errors.E(errors.NotAllowed, "s3access: resolving aws credentials", err)
		}
		env[EnvNoSignRequest] = "NO"
		env[EnvAccessKeyID] = val.AccessKeyID
		env[EnvSecretAccessKey] = val.SecretAccessKey
		if val.SessionToken != "" {
			env[EnvSessionToken] = val.SessionToken
		}
		// Workers use exactly these credentials.
		creds = credentials.NewStaticCredentialsFromCreds(val)
	}
	env[EnvRegion] = region
	env[EnvDefaultRegion] = region
	if opts.RequesterPays {
		env[EnvRequestPayer] = "requester"
	}
	if opts.CloudDefaults {
		for key, val := range cloudDefaults {
			env[key] = val
		}
	}
	for key, val := range opts.Extra {
		env[key] = val
	}
	return env, creds, nil
}

func (c Configurer) region(opts Options) string {
	if opts.Region != "" && opts.Region != RegionAuto {
		return opts.Region
	}
	lookup := c.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range []string{EnvRegion, EnvDefaultRegion} {
		if val, ok := lookup(key); ok && val != "" {
			return val
		}
	}
	configRegion := c.ConfigRegion
	if configRegion == nil {
		configRegion = sharedConfigRegion
	}
	if region := configRegion(opts.Profile); region != "" {
		return region
	}
	metadata := c.MetadataRegion
	if metadata == nil {
		metadata = metadataRegion
	}
	region, err := metadata()
	if err == nil && region != "" {
		return region
	}
	log.Printf("s3access: cannot determine AWS region (%v); using %s", err, DefaultRegion)
	return DefaultRegion
}

func sharedConfigRegion(profile string) string {
	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil || sess.Config.Region == nil {
		return ""
	}
	return *sess.Config.Region
}

func metadataRegion() (string, error) {
	sess, err := session.NewSession()
	if err != nil {
		return "", err
	}
	client := ec2metadata.New(sess, aws.NewConfig().
		WithHTTPClient(&http.Client{Timeout: time.Second}).
		WithMaxRetries(0))
	return client.Region()
}

func sessionOptions(region, profile string) session.Options {
	opts := session.Options{Profile: profile}
	if region != "" {
		opts.Config.Region = aws.String(region)
	}
	if profile != "" {
		opts.SharedConfigState = session.SharedConfigEnable
	}
	return opts
}

// clearStale returns a copy of env that also clears the credentials
// env does not provide.
func clearStale(env map[string]string) map[string]string {
	cleared := make(map[string]string, len(env)+3)
	for key, val := range env {
		cleared[key] = val
	}
	for _, key := range []string{EnvAccessKeyID, EnvSecretAccessKey, EnvSessionToken} {
		if _, ok := cleared[key]; !ok {
			cleared[key] = ""
		}
	}
	return cleared
}

// setenv applies env to the current process. Empty values unset the
// variable.
func setenv(env map[string]string) error {
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
			return errors.E(errors.Invalid, fmt.Sprintf("s3access: setenv %s", key), err)
		}
	}
	log.Debug.Printf("s3access: set %s", strings.Join(keys, ", "))
	return nil
}

// provider is the s3file.ClientProvider behind s3:// paths. Configure
// replaces the provider it delegates to.
type provider struct {
	mu       sync.RWMutex
	delegate s3file.ClientProvider
}

func (p *provider) set(q s3file.ClientProvider) {
	p.mu.Lock()
	p.delegate = q
	p.mu.Unlock()
}

func (p *provider) current() s3file.ClientProvider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.delegate
}

func (p *provider) Get(ctx context.Context, op, path string) ([]s3iface.S3API, error) {
	return p.current().Get(ctx, op, path)
}

func (p *provider) NotifyResult(ctx context.Context, op, path string, client s3iface.S3API, err error) {
	p.current().NotifyResult(ctx, op, path, client, err)
}

func accessMode(unsigned bool) string {
	if unsigned {
		return "unsigned"
	}
	return "signed"
}
