/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"github.com/acronis/go-ratekeeper/config"
	"github.com/acronis/go-ratekeeper/httpserver"
	"github.com/acronis/go-ratekeeper/log"
	"github.com/acronis/go-ratekeeper/profserver"
	"github.com/acronis/go-ratekeeper/rules"
	"github.com/acronis/go-ratekeeper/storage"
)

// AppConfig is the root configuration of the gateway.
// Every value may be overridden by the environment variable (e.g., RATEKEEPER_STORAGE_BACKEND=redis).
type AppConfig struct {
	Log        *log.Config
	Server     *httpserver.Config
	Storage    *storage.Config
	RateLimit  *rules.Config
	ProfServer *profserver.Config
}

func NewAppConfig() *AppConfig {
	return &AppConfig{
		Log:        log.NewConfig(),
		Server:     httpserver.NewConfig(),
		Storage:    storage.NewConfig(),
		RateLimit:  rules.NewConfig(),
		ProfServer: profserver.NewConfig(),
	}
}

func (c *AppConfig) SetProviderDefaults(dp config.DataProvider) {
	config.CallSetProviderDefaultsForFields(c, dp)
}

func (c *AppConfig) Set(dp config.DataProvider) error {
	if err := config.CallSetForFields(c, dp); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks constraints that span several sections.
func (c *AppConfig) Validate() error {
	return c.Storage.ValidateWindow(c.RateLimit.MaxWindow())
}

func loadAppConfig(path string) (*AppConfig, error) {
	cfg := NewAppConfig()
	dataType, err := config.DataTypeFromPath(path)
	if err != nil {
		return nil, err
	}
	if err = config.NewDefaultLoader(envVarsPrefix).LoadFromFile(path, dataType, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
