/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/acronis/go-ratekeeper/config"
	"github.com/acronis/go-ratekeeper/httpclient"
	"github.com/acronis/go-ratekeeper/httpserver/middleware"
)

const cfgDefaultKeyPrefix = "server"

const (
	cfgKeyServerAddress                 = "address"
	cfgKeyServerUnixSocketPath          = "unixSocketPath"
	cfgKeyServerTLSCert                 = "tls.cert"
	cfgKeyServerTLSKey                  = "tls.key"
	cfgKeyServerTLSEnabled              = "tls.enabled"
	cfgKeyServerTimeoutsWrite           = "timeouts.write"
	cfgKeyServerTimeoutsRead            = "timeouts.read"
	cfgKeyServerTimeoutsReadHeader      = "timeouts.readHeader"
	cfgKeyServerTimeoutsIdle            = "timeouts.idle"
	cfgKeyServerTimeoutsShutdown        = "timeouts.shutdown"
	cfgKeyServerLogRequestStart         = "log.requestStart"
	cfgKeyServerLogRequestHeaders       = "log.requestHeaders"
	cfgKeyServerLogExcludedEndpoints    = "log.excludedEndpoints"
	cfgKeyServerLogSecretQueryParams    = "log.secretQueryParams" // nolint:gosec // false positive
	cfgKeyServerLogSlowRequestThreshold = "log.slowRequestThreshold"
	cfgKeyServerProxyUpstreamURL        = "proxy.upstreamURL"
	cfgKeyServerProxyResponseTimeout    = "proxy.responseHeaderTimeout"
	cfgKeyServerProxyLogMode            = "proxy.logMode"
	cfgKeyServerRateLimitDryRun         = "rateLimit.dryRun"
	cfgKeyServerRateLimitFailurePolicy  = "rateLimit.failurePolicy"
	cfgKeyServerRateLimitRefundStatuses = "rateLimit.refundStatuses"
)

const (
	defaultServerAddress            = ":8080"
	defaultServerTimeoutsWrite      = time.Minute
	defaultServerTimeoutsRead       = time.Second * 15
	defaultServerTimeoutsReadHeader = time.Second * 10
	defaultServerTimeoutsIdle       = time.Minute
	defaultServerTimeoutsShutdown   = time.Second * 5
	defaultSlowRequestThreshold     = time.Second
	defaultProxyResponseTimeout     = time.Second * 30
	defaultProxyLogMode             = httpclient.LoggingModeFailed
	defaultRateLimitFailurePolicy   = middleware.FailurePolicyFailClosed
)

// Config represents a set of configuration parameters for HTTPServer.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Address        string          `mapstructure:"address" yaml:"address" json:"address"`
	UnixSocketPath string          `mapstructure:"unixSocketPath" yaml:"unixSocketPath" json:"unixSocketPath"`
	Timeouts       TimeoutsConfig  `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Log            LogConfig       `mapstructure:"log" yaml:"log" json:"log"`
	TLS            TLSConfig       `mapstructure:"tls" yaml:"tls" json:"tls"`
	Proxy          ProxyConfig     `mapstructure:"proxy" yaml:"proxy" json:"proxy"`
	RateLimit      RateLimitConfig `mapstructure:"rateLimit" yaml:"rateLimit" json:"rateLimit"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	cfg := NewConfig(options...)
	cfg.Address = defaultServerAddress
	cfg.Timeouts = TimeoutsConfig{
		Write:      config.TimeDuration(defaultServerTimeoutsWrite),
		Read:       config.TimeDuration(defaultServerTimeoutsRead),
		ReadHeader: config.TimeDuration(defaultServerTimeoutsReadHeader),
		Idle:       config.TimeDuration(defaultServerTimeoutsIdle),
		Shutdown:   config.TimeDuration(defaultServerTimeoutsShutdown),
	}
	cfg.Log = LogConfig{SlowRequestThreshold: config.TimeDuration(defaultSlowRequestThreshold)}
	cfg.Proxy = ProxyConfig{
		ResponseHeaderTimeout: config.TimeDuration(defaultProxyResponseTimeout),
		LogMode:               defaultProxyLogMode,
	}
	cfg.RateLimit = RateLimitConfig{FailurePolicy: defaultRateLimitFailurePolicy}
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for HTTPServer in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyServerAddress, defaultServerAddress)

	dp.SetDefault(cfgKeyServerTimeoutsWrite, defaultServerTimeoutsWrite)
	dp.SetDefault(cfgKeyServerTimeoutsRead, defaultServerTimeoutsRead)
	dp.SetDefault(cfgKeyServerTimeoutsReadHeader, defaultServerTimeoutsReadHeader)
	dp.SetDefault(cfgKeyServerTimeoutsIdle, defaultServerTimeoutsIdle)
	dp.SetDefault(cfgKeyServerTimeoutsShutdown, defaultServerTimeoutsShutdown)

	dp.SetDefault(cfgKeyServerLogRequestStart, false)
	dp.SetDefault(cfgKeyServerLogSlowRequestThreshold, defaultSlowRequestThreshold)

	dp.SetDefault(cfgKeyServerProxyResponseTimeout, defaultProxyResponseTimeout)
	dp.SetDefault(cfgKeyServerProxyLogMode, string(defaultProxyLogMode))

	dp.SetDefault(cfgKeyServerRateLimitDryRun, false)
	dp.SetDefault(cfgKeyServerRateLimitFailurePolicy, string(defaultRateLimitFailurePolicy))
}

// TimeoutsConfig represents a set of configuration parameters for HTTPServer relating to timeouts.
type TimeoutsConfig struct {
	Write      config.TimeDuration `mapstructure:"write" yaml:"write" json:"write"`
	Read       config.TimeDuration `mapstructure:"read" yaml:"read" json:"read"`
	ReadHeader config.TimeDuration `mapstructure:"readHeader" yaml:"readHeader" json:"readHeader"`
	Idle       config.TimeDuration `mapstructure:"idle" yaml:"idle" json:"idle"`
	Shutdown   config.TimeDuration `mapstructure:"shutdown" yaml:"shutdown" json:"shutdown"`
}

// Set sets timeout server configuration values from config.DataProvider.
func (t *TimeoutsConfig) Set(dp config.DataProvider) error {
	for _, item := range []struct {
		key string
		dst *config.TimeDuration
	}{
		{cfgKeyServerTimeoutsWrite, &t.Write},
		{cfgKeyServerTimeoutsRead, &t.Read},
		{cfgKeyServerTimeoutsReadHeader, &t.ReadHeader},
		{cfgKeyServerTimeoutsIdle, &t.Idle},
		{cfgKeyServerTimeoutsShutdown, &t.Shutdown},
	} {
		dur, err := dp.GetDuration(item.key)
		if err != nil {
			return err
		}
		*item.dst = config.TimeDuration(dur)
	}
	return nil
}

// LogConfig represents a set of configuration parameters for HTTPServer relating to logging.
type LogConfig struct {
	RequestStart         bool                `mapstructure:"requestStart" yaml:"requestStart" json:"requestStart"`
	RequestHeaders       []string            `mapstructure:"requestHeaders" yaml:"requestHeaders" json:"requestHeaders"`
	ExcludedEndpoints    []string            `mapstructure:"excludedEndpoints" yaml:"excludedEndpoints" json:"excludedEndpoints"`
	SecretQueryParams    []string            `mapstructure:"secretQueryParams" yaml:"secretQueryParams" json:"secretQueryParams"`
	SlowRequestThreshold config.TimeDuration `mapstructure:"slowRequestThreshold" yaml:"slowRequestThreshold" json:"slowRequestThreshold"`
}

// Set sets log server configuration values from config.DataProvider.
func (l *LogConfig) Set(dp config.DataProvider) error {
	var err error

	if l.RequestStart, err = dp.GetBool(cfgKeyServerLogRequestStart); err != nil {
		return err
	}
	if l.RequestHeaders, err = dp.GetStringSlice(cfgKeyServerLogRequestHeaders); err != nil {
		return err
	}
	if l.ExcludedEndpoints, err = dp.GetStringSlice(cfgKeyServerLogExcludedEndpoints); err != nil {
		return err
	}
	if l.SecretQueryParams, err = dp.GetStringSlice(cfgKeyServerLogSecretQueryParams); err != nil {
		return err
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyServerLogSlowRequestThreshold); err != nil {
		return err
	}
	l.SlowRequestThreshold = config.TimeDuration(dur)

	return nil
}

// TLSConfig contains configuration parameters needed to initialize(or not) secure server
type TLSConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Certificate string `mapstructure:"cert" yaml:"cert" json:"cert"`
	Key         string `mapstructure:"key" yaml:"key" json:"key"`
}

// Set sets security server configuration values from config.DataProvider.
func (s *TLSConfig) Set(dp config.DataProvider) error {
	var err error

	if s.Enabled, err = dp.GetBool(cfgKeyServerTLSEnabled); err != nil {
		return err
	}
	if s.Certificate, err = dp.GetString(cfgKeyServerTLSCert); err != nil {
		return err
	}
	if s.Key, err = dp.GetString(cfgKeyServerTLSKey); err != nil {
		return err
	}
	if s.Enabled && (s.Certificate == "" || s.Key == "") {
		return dp.WrapKeyErr(cfgKeyServerTLSKey, fmt.Errorf("both cert and key should be set"))
	}

	return nil
}

// ProxyConfig represents a set of configuration parameters for proxying admitted requests to the upstream.
type ProxyConfig struct {
	// UpstreamURL is the base URL of the protected HTTP service.
	UpstreamURL string `mapstructure:"upstreamURL" yaml:"upstreamURL" json:"upstreamURL"`

	// ResponseHeaderTimeout limits the time of waiting for the upstream's response headers.
	ResponseHeaderTimeout config.TimeDuration `mapstructure:"responseHeaderTimeout" yaml:"responseHeaderTimeout" json:"responseHeaderTimeout"`

	// LogMode is one of "none", "all" or "failed" (failed, 5xx and slow upstream requests are logged).
	LogMode httpclient.LoggingMode `mapstructure:"logMode" yaml:"logMode" json:"logMode"`
}

// Set sets proxy configuration values from config.DataProvider.
func (p *ProxyConfig) Set(dp config.DataProvider) error {
	var err error

	if p.UpstreamURL, err = dp.GetString(cfgKeyServerProxyUpstreamURL); err != nil {
		return err
	}
	if p.UpstreamURL == "" {
		return dp.WrapKeyErr(cfgKeyServerProxyUpstreamURL, fmt.Errorf("upstream URL is missing"))
	}
	u, err := url.Parse(p.UpstreamURL)
	if err != nil {
		return dp.WrapKeyErr(cfgKeyServerProxyUpstreamURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return dp.WrapKeyErr(cfgKeyServerProxyUpstreamURL, fmt.Errorf("absolute http(s) URL is expected, got %q", p.UpstreamURL))
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyServerProxyResponseTimeout); err != nil {
		return err
	}
	p.ResponseHeaderTimeout = config.TimeDuration(dur)

	logMode, err := dp.GetStringFromSet(cfgKeyServerProxyLogMode, httpclient.AvailableLoggingModes, true)
	if err != nil {
		return err
	}
	p.LogMode = httpclient.LoggingMode(strings.ToLower(logMode))

	return nil
}

// RateLimitConfig represents a set of configuration parameters for the rate-limiting middleware.
// Limits themselves are configured separately (see rules.Config).
type RateLimitConfig struct {
	// DryRun enables the mode when requests that exceed the limit are only logged.
	DryRun bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`

	// FailurePolicy is either "fail_closed" (503 when the storage is unavailable) or "fail_open".
	FailurePolicy middleware.FailurePolicy `mapstructure:"failurePolicy" yaml:"failurePolicy" json:"failurePolicy"`

	// RefundStatuses are upstream response statuses on which the request is given back to the quota.
	RefundStatuses []int `mapstructure:"refundStatuses" yaml:"refundStatuses" json:"refundStatuses"`
}

// Set sets rate-limiting configuration values from config.DataProvider.
func (r *RateLimitConfig) Set(dp config.DataProvider) error {
	var err error

	if r.DryRun, err = dp.GetBool(cfgKeyServerRateLimitDryRun); err != nil {
		return err
	}

	policy, err := dp.GetStringFromSet(cfgKeyServerRateLimitFailurePolicy,
		[]string{string(middleware.FailurePolicyFailClosed), string(middleware.FailurePolicyFailOpen)}, true)
	if err != nil {
		return err
	}
	r.FailurePolicy = middleware.FailurePolicy(strings.ToLower(policy))

	statuses, err := dp.GetStringSlice(cfgKeyServerRateLimitRefundStatuses)
	if err != nil {
		return err
	}
	r.RefundStatuses = nil
	for _, item := range statuses {
		for _, s := range strings.Split(item, ",") { // env variables may contain comma-separated values
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			status, convErr := strconv.Atoi(s)
			if convErr != nil || status < 100 || status > 599 {
				return dp.WrapKeyErr(cfgKeyServerRateLimitRefundStatuses, fmt.Errorf("invalid HTTP status %q", s))
			}
			r.RefundStatuses = append(r.RefundStatuses, status)
		}
	}

	return nil
}

// Set sets HTTPServer configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Address, err = dp.GetString(cfgKeyServerAddress); err != nil {
		return err
	}
	if c.UnixSocketPath, err = dp.GetString(cfgKeyServerUnixSocketPath); err != nil {
		return err
	}
	if c.Address == "" && c.UnixSocketPath == "" {
		return dp.WrapKeyErr(cfgKeyServerAddress, fmt.Errorf("either address or unixSocketPath should be set"))
	}

	if err = c.TLS.Set(dp); err != nil {
		return err
	}
	if err = c.Timeouts.Set(dp); err != nil {
		return err
	}
	if err = c.Log.Set(dp); err != nil {
		return err
	}
	if err = c.Proxy.Set(dp); err != nil {
		return err
	}
	return c.RateLimit.Set(dp)
}
