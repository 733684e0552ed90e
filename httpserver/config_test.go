/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-ratekeeper/config"
	"github.com/acronis/go-ratekeeper/httpclient"
	"github.com/acronis/go-ratekeeper/httpserver/middleware"
)

type AppConfig struct {
	Server *Config `mapstructure:"server" json:"server" yaml:"server"`
}

func TestConfig(t *testing.T) {
	expectedCfg := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Address = "127.0.0.1:8080"
		cfg.Timeouts.Write = config.TimeDuration(time.Hour)
		cfg.Timeouts.Read = config.TimeDuration(time.Minute * 7)
		cfg.Timeouts.ReadHeader = config.TimeDuration(time.Minute)
		cfg.Timeouts.Idle = config.TimeDuration(time.Minute * 20)
		cfg.Timeouts.Shutdown = config.TimeDuration(time.Second * 30)
		cfg.Log.RequestStart = true
		cfg.Log.SlowRequestThreshold = config.TimeDuration(2 * time.Second)
		cfg.TLS.Enabled = true
		cfg.TLS.Certificate = "/test/path"
		cfg.TLS.Key = "/test/path"
		cfg.Proxy.UpstreamURL = "http://127.0.0.1:9090"
		cfg.Proxy.ResponseHeaderTimeout = config.TimeDuration(10 * time.Second)
		cfg.Proxy.LogMode = httpclient.LoggingModeAll
		cfg.RateLimit.DryRun = true
		cfg.RateLimit.FailurePolicy = middleware.FailurePolicyFailOpen
		cfg.RateLimit.RefundStatuses = []int{502, 504}
		return cfg
	}

	tests := []struct {
		name        string
		cfgDataType config.DataType
		cfgData     string
	}{
		{
			name:        "yaml config",
			cfgDataType: config.DataTypeYAML,
			cfgData: `
server:
  address: "127.0.0.1:8080"
  timeouts:
    write: 1h
    read: 7m
    readHeader: 1m
    idle: 20m
    shutdown: 30s
  log:
    requestStart: true
    slowRequestThreshold: 2s
  tls:
    enabled: true
    cert: "/test/path"
    key: "/test/path"
  proxy:
    upstreamURL: "http://127.0.0.1:9090"
    responseHeaderTimeout: 10s
    logMode: all
  rateLimit:
    dryRun: true
    failurePolicy: fail_open
    refundStatuses: [502, 504]
`,
		},
		{
			name:        "json config",
			cfgDataType: config.DataTypeJSON,
			cfgData: `
{
	"server": {
		"address": "127.0.0.1:8080",
		"timeouts": {
			"write": "1h",
			"read": "7m",
			"readHeader": "1m",
			"idle": "20m",
			"shutdown": "30s"
		},
		"log": {
			"requestStart": true,
			"slowRequestThreshold": "2s"
		},
		"tls": {
			"enabled": true,
			"cert": "/test/path",
			"key": "/test/path"
		},
		"proxy": {
			"upstreamURL": "http://127.0.0.1:9090",
			"responseHeaderTimeout": "10s",
			"logMode": "all"
		},
		"rateLimit": {
			"dryRun": true,
			"failurePolicy": "fail_open",
			"refundStatuses": [502, 504]
		}
	}
}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Load config using config.Loader.
			appCfg := AppConfig{Server: NewDefaultConfig()}
			expectedAppCfg := AppConfig{Server: expectedCfg()}
			cfgLoader := config.NewLoader(config.NewViperAdapter())
			err := cfgLoader.LoadFromReader(bytes.NewBuffer([]byte(tt.cfgData)), tt.cfgDataType, appCfg.Server)
			require.NoError(t, err)
			require.Equal(t, expectedAppCfg, appCfg)

			// Load config using viper unmarshal.
			appCfg = AppConfig{Server: NewDefaultConfig()}
			vpr := viper.New()
			vpr.SetConfigType(string(tt.cfgDataType))
			require.NoError(t, vpr.ReadConfig(bytes.NewBuffer([]byte(tt.cfgData))))
			require.NoError(t, vpr.Unmarshal(&appCfg, func(c *mapstructure.DecoderConfig) {
				c.DecodeHook = mapstructure.TextUnmarshallerHookFunc()
			}))
			require.Equal(t, expectedAppCfg, appCfg)

			// Load config using yaml/json unmarshal.
			appCfg = AppConfig{Server: NewDefaultConfig()}
			switch tt.cfgDataType {
			case config.DataTypeYAML:
				require.NoError(t, yaml.Unmarshal([]byte(tt.cfgData), &appCfg))
			case config.DataTypeJSON:
				require.NoError(t, json.Unmarshal([]byte(tt.cfgData), &appCfg))
			default:
				t.Fatalf("unsupported config data type: %s", tt.cfgDataType)
			}
			require.Equal(t, expectedAppCfg, appCfg)
		})
	}
}

func TestNewDefaultConfig(t *testing.T) {
	const cfgData = `
server:
  proxy:
    upstreamURL: "https://orders.internal"
`
	expectedCfg := NewDefaultConfig()
	expectedCfg.Proxy.UpstreamURL = "https://orders.internal"

	cfg := NewConfig()
	require.NoError(t, config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(cfgData), config.DataTypeYAML, cfg))
	require.Equal(t, expectedCfg, cfg)
}

func TestConfig_Env(t *testing.T) {
	t.Setenv("RATEKEEPER_SERVER_PROXY_UPSTREAMURL", "http://upstream:8080")
	t.Setenv("RATEKEEPER_SERVER_RATELIMIT_REFUNDSTATUSES", "502, 503,504")
	t.Setenv("RATEKEEPER_SERVER_RATELIMIT_FAILUREPOLICY", "FAIL_OPEN")

	cfg := NewConfig()
	require.NoError(t, config.NewDefaultLoader("ratekeeper").LoadFromReader(bytes.NewBuffer(nil), config.DataTypeYAML, cfg))
	require.Equal(t, "http://upstream:8080", cfg.Proxy.UpstreamURL)
	require.Equal(t, []int{502, 503, 504}, cfg.RateLimit.RefundStatuses)
	require.Equal(t, middleware.FailurePolicyFailOpen, cfg.RateLimit.FailurePolicy)
	require.Equal(t, defaultServerAddress, cfg.Address)
}

func TestWithKeyPrefix(t *testing.T) {
	cfgData := `
gateway:
  address: "127.0.0.1:9999"
  proxy:
    upstreamURL: "http://127.0.0.1:9090"
`
	expectedCfg := NewDefaultConfig(WithKeyPrefix("gateway"))
	expectedCfg.Address = "127.0.0.1:9999"
	expectedCfg.Proxy.UpstreamURL = "http://127.0.0.1:9090"

	cfg := NewConfig(WithKeyPrefix("gateway"))
	err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(bytes.NewBuffer([]byte(cfgData)), config.DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, expectedCfg, cfg)
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name           string
		yamlData       string
		expectedErrMsg string
	}{
		{
			name: "error, invalid address",
			yamlData: `
server:
  address: []
`,
			expectedErrMsg: `server.address: unable to cast`,
		},
		{
			name: "error, no address",
			yamlData: `
server:
  address: ""
`,
			expectedErrMsg: `server.address: either address or unixSocketPath should be set`,
		},
		{
			name: "error, tls without key",
			yamlData: `
server:
  tls:
    enabled: true
    cert: /test/path
`,
			expectedErrMsg: `server.tls.key: both cert and key should be set`,
		},
		{
			name: "error, upstream is missing",
			yamlData: `
server:
  address: ":8080"
`,
			expectedErrMsg: `server.proxy.upstreamURL: upstream URL is missing`,
		},
		{
			name: "error, upstream is not absolute",
			yamlData: `
server:
  proxy:
    upstreamURL: "/orders"
`,
			expectedErrMsg: `server.proxy.upstreamURL: absolute http(s) URL is expected, got "/orders"`,
		},
		{
			name: "error, unknown proxy log mode",
			yamlData: `
server:
  proxy:
    upstreamURL: "http://upstream"
    logMode: verbose
`,
			expectedErrMsg: `server.proxy.logMode: unknown value "verbose"`,
		},
		{
			name: "error, unknown failure policy",
			yamlData: `
server:
  proxy:
    upstreamURL: "http://upstream"
  rateLimit:
    failurePolicy: sometimes
`,
			expectedErrMsg: `server.rateLimit.failurePolicy: unknown value "sometimes"`,
		},
		{
			name: "error, invalid refund status",
			yamlData: `
server:
  proxy:
    upstreamURL: "http://upstream"
  rateLimit:
    refundStatuses: [502, 700]
`,
			expectedErrMsg: `server.rateLimit.refundStatuses: invalid HTTP status "700"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(bytes.NewBuffer([]byte(tt.yamlData)), config.DataTypeYAML, cfg)
			require.ErrorContains(t, err, tt.expectedErrMsg)
		})
	}
}
