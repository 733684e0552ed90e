/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package rules

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-ratekeeper/config"
	"github.com/acronis/go-ratekeeper/ratelimit"
	"github.com/acronis/go-ratekeeper/restapi"
)

const cfgDefaultKeyPrefix = "rateLimit"

// Config represents a set of configuration parameters for rate-limiting rules.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
//
// Example of YAML configuration:
//
//	rateLimit:
//	  defaultAlg: fixed_window
//	  endpoints:
//	    - id: orders
//	      routes:
//	        - path: "/api/v1/orders"
//	          methods: GET, POST
//	  excludedRoutes:
//	    - path: "= /api/v1/status"
//	  clients:
//	    - id: acme
//	      tokens: [acme-token-1, acme-token-2]
//	      limits:
//	        - endpoint: orders
//	          rate: 100/m
//	          alg: sliding_window
//	  defaultLimits:
//	    - endpoint: "GET /api/*"
//	      rate: 10/s
//	    - endpoint: "*"
//	      rate: 1000/h
type Config struct {
	// DefaultAlg is used for limits without an explicitly specified algorithm.
	DefaultAlg ratelimit.Alg `mapstructure:"defaultAlg" yaml:"defaultAlg" json:"defaultAlg"`

	// Endpoints group routes under a single endpoint id, so all of them share the same limits.
	// Requests that don't match any endpoint get the "<METHOD> <normalized path>" id.
	Endpoints []EndpointConfig `mapstructure:"endpoints" yaml:"endpoints" json:"endpoints"`

	// ExcludedRoutes are never rate-limited.
	ExcludedRoutes []restapi.RouteConfig `mapstructure:"excludedRoutes" yaml:"excludedRoutes" json:"excludedRoutes"`

	Clients []ClientConfig `mapstructure:"clients" yaml:"clients" json:"clients"`

	// DefaultLimits are applied to every known client when none of its own limits matches.
	DefaultLimits []LimitConfig `mapstructure:"defaultLimits" yaml:"defaultLimits" json:"defaultLimits"`

	keyPrefix string
}

// EndpointConfig binds a set of routes to the endpoint id.
type EndpointConfig struct {
	ID     string                `mapstructure:"id" yaml:"id" json:"id"`
	Routes []restapi.RouteConfig `mapstructure:"routes" yaml:"routes" json:"routes"`
}

// ClientConfig describes the API client.
type ClientConfig struct {
	ID string `mapstructure:"id" yaml:"id" json:"id"`

	// Tokens are bearer tokens that identify the client.
	Tokens StringList `mapstructure:"tokens" yaml:"tokens" json:"tokens"`

	// Limits are checked in order, the first one whose endpoint pattern matches is used.
	Limits []LimitConfig `mapstructure:"limits" yaml:"limits" json:"limits"`
}

// LimitConfig describes the limit for endpoints which ids match the pattern.
type LimitConfig struct {
	// Endpoint is a glob pattern ("*" wildcard) matched against the endpoint id.
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Rate     Rate          `mapstructure:"rate" yaml:"rate" json:"rate"`
	Alg      ratelimit.Alg `mapstructure:"alg" yaml:"alg" json:"alg"`
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return &Config{keyPrefix: cfgDefaultKeyPrefix}
}

// NewConfigWithKeyPrefix creates a new instance of the Config with a key prefix.
// This prefix will be used by config.Loader.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for rules in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault("defaultAlg", string(ratelimit.AlgFixedWindow))
}

// Set sets rules configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := dp.Unmarshal(c, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = MapstructureDecodeHook()
	}); err != nil {
		return err
	}
	return c.Validate()
}

// Validate validates configuration.
func (c *Config) Validate() error {
	if c.DefaultAlg == "" {
		c.DefaultAlg = ratelimit.AlgFixedWindow
	}
	if err := validateAlg(c.DefaultAlg); err != nil {
		return fmt.Errorf("default alg: %w", err)
	}

	endpointIDs := make(map[string]struct{}, len(c.Endpoints))
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.ID == "" {
			return fmt.Errorf("endpoints[%d]: id is missing", i)
		}
		if _, dup := endpointIDs[ep.ID]; dup {
			return fmt.Errorf("endpoints[%d]: duplicate endpoint id %q", i, ep.ID)
		}
		endpointIDs[ep.ID] = struct{}{}
		if len(ep.Routes) == 0 {
			return fmt.Errorf("endpoint %q: routes are missing", ep.ID)
		}
		for j := range ep.Routes {
			if err := ep.Routes[j].Validate(); err != nil {
				return fmt.Errorf("endpoint %q: routes[%d]: %w", ep.ID, j, err)
			}
		}
	}
	for i := range c.ExcludedRoutes {
		if err := c.ExcludedRoutes[i].Validate(); err != nil {
			return fmt.Errorf("excludedRoutes[%d]: %w", i, err)
		}
	}

	clientIDs := make(map[string]struct{}, len(c.Clients))
	tokenOwners := make(map[string]string)
	for i := range c.Clients {
		cl := &c.Clients[i]
		if cl.ID == "" {
			return fmt.Errorf("clients[%d]: id is missing", i)
		}
		if _, dup := clientIDs[cl.ID]; dup {
			return fmt.Errorf("clients[%d]: duplicate client id %q", i, cl.ID)
		}
		clientIDs[cl.ID] = struct{}{}
		for k, token := range cl.Tokens {
			token = strings.TrimSpace(token)
			cl.Tokens[k] = token
			if token == "" {
				return fmt.Errorf("client %q: empty token", cl.ID)
			}
			if owner, dup := tokenOwners[token]; dup {
				return fmt.Errorf("client %q: token is already used by client %q", cl.ID, owner)
			}
			tokenOwners[token] = cl.ID
		}
		for j := range cl.Limits {
			if err := cl.Limits[j].Validate(); err != nil {
				return fmt.Errorf("client %q: limits[%d]: %w", cl.ID, j, err)
			}
		}
	}
	for i := range c.DefaultLimits {
		if err := c.DefaultLimits[i].Validate(); err != nil {
			return fmt.Errorf("defaultLimits[%d]: %w", i, err)
		}
	}
	return nil
}

// MaxWindow returns the largest window among client and default limits.
func (c *Config) MaxWindow() time.Duration {
	var maxWindow time.Duration
	for i := range c.Clients {
		for _, l := range c.Clients[i].Limits {
			maxWindow = max(maxWindow, l.Rate.Window)
		}
	}
	for _, l := range c.DefaultLimits {
		maxWindow = max(maxWindow, l.Rate.Window)
	}
	return maxWindow
}

// Validate validates the limit configuration.
func (l *LimitConfig) Validate() error {
	if strings.TrimSpace(l.Endpoint) == "" {
		return fmt.Errorf("endpoint pattern is missing")
	}
	if l.Rate.Count <= 0 || l.Rate.Window.Milliseconds() <= 0 {
		return fmt.Errorf("rate is missing or invalid")
	}
	if l.Alg != "" {
		return validateAlg(l.Alg)
	}
	return nil
}

func validateAlg(alg ratelimit.Alg) error {
	switch alg {
	case ratelimit.AlgFixedWindow, ratelimit.AlgSlidingWindow:
		return nil
	}
	return fmt.Errorf("unknown alg %q, should be one of [%s, %s]",
		alg, ratelimit.AlgFixedWindow, ratelimit.AlgSlidingWindow)
}

// StringList represents a list of strings.
// It may be specified either as a list or as a comma-separated string (e.g., in environment variables).
type StringList []string

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (sl *StringList) UnmarshalText(text []byte) error {
	sl.unmarshal(string(text))
	return nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (sl *StringList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		sl.unmarshal(s)
		return nil
	}
	var l []string
	if err := json.Unmarshal(data, &l); err != nil {
		return fmt.Errorf("invalid strings list: %s", data)
	}
	*sl = l
	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (sl *StringList) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		sl.unmarshal(s)
		return nil
	}
	var l []string
	if err := value.Decode(&l); err != nil {
		return fmt.Errorf("invalid strings list: %v", value.Value)
	}
	*sl = l
	return nil
}

func (sl *StringList) unmarshal(data string) {
	*sl = StringList{}
	for _, s := range strings.Split(data, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*sl = append(*sl, s)
		}
	}
}

// String returns a comma-separated representation of the list.
func (sl StringList) String() string {
	return strings.Join(sl, ",")
}

func mapstructureTrimSpaceStringsHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Kind, t reflect.Kind, data interface{}) (interface{}, error) {
		if f != reflect.Slice || t != reflect.Slice {
			return data, nil
		}
		dt, ok := data.([]string)
		if !ok {
			return data, nil
		}
		res := make([]string, 0, len(dt))
		for _, s := range dt {
			res = append(res, strings.TrimSpace(s))
		}
		return res, nil
	}
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle custom types (Rate, StringList, routes).
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructureTrimSpaceStringsHookFunc(),
	)
}
