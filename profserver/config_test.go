/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package profserver

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-ratekeeper/config"
)

type AppConfig struct {
	ProfServer *Config `mapstructure:"profServer" json:"profServer" yaml:"profServer"`
}

func TestConfig(t *testing.T) {
	expectedCfg := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.Address = "127.0.0.1:7070"
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
profServer:
  enabled: true
  address: "127.0.0.1:7070"
`,
		},
		{
			name:        "json config",
			cfgDataType: config.DataTypeJSON,
			cfgData:     `{"profServer": {"enabled": true, "address": "127.0.0.1:7070"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectedAppCfg := AppConfig{ProfServer: expectedCfg()}

			appCfg := AppConfig{ProfServer: NewDefaultConfig()}
			err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
				bytes.NewBufferString(tt.cfgData), tt.cfgDataType, appCfg.ProfServer)
			require.NoError(t, err)
			require.Equal(t, expectedAppCfg, appCfg)

			appCfg = AppConfig{ProfServer: NewDefaultConfig()}
			vpr := viper.New()
			vpr.SetConfigType(string(tt.cfgDataType))
			require.NoError(t, vpr.ReadConfig(bytes.NewBufferString(tt.cfgData)))
			require.NoError(t, vpr.Unmarshal(&appCfg))
			require.Equal(t, expectedAppCfg, appCfg)

			appCfg = AppConfig{ProfServer: NewDefaultConfig()}
			if tt.cfgDataType == config.DataTypeYAML {
				require.NoError(t, yaml.Unmarshal([]byte(tt.cfgData), &appCfg))
			} else {
				require.NoError(t, json.Unmarshal([]byte(tt.cfgData), &appCfg))
			}
			require.Equal(t, expectedAppCfg, appCfg)
		})
	}
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, config.NewDefaultLoader("").LoadFromReader(bytes.NewBuffer(nil), config.DataTypeYAML, cfg))
	require.Equal(t, NewDefaultConfig(), cfg)
	require.False(t, cfg.Enabled)
	require.Equal(t, DefaultAddress, cfg.Address)
}

func TestConfig_Env(t *testing.T) {
	t.Setenv("RATEKEEPER_PROFSERVER_ENABLED", "true")

	cfg := NewConfig()
	require.NoError(t, config.NewDefaultLoader("ratekeeper").LoadFromReader(bytes.NewBuffer(nil), config.DataTypeYAML, cfg))
	require.True(t, cfg.Enabled)
	require.Equal(t, DefaultAddress, cfg.Address)
}

func TestWithKeyPrefix(t *testing.T) {
	cfgData := `
debug:
  enabled: true
  address: "127.0.0.1:7070"
`
	expectedCfg := NewDefaultConfig(WithKeyPrefix("debug"))
	expectedCfg.Enabled = true
	expectedCfg.Address = "127.0.0.1:7070"

	cfg := NewConfig(WithKeyPrefix("debug"))
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(cfgData), config.DataTypeYAML, cfg)
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
			name: "error, address without port",
			yamlData: `
profServer:
  enabled: true
  address: "localhost"
`,
			expectedErrMsg: `profServer.address: invalid address`,
		},
		{
			name: "error, invalid enabled",
			yamlData: `
profServer:
  enabled: []
`,
			expectedErrMsg: `profServer.enabled: unable to cast`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(tt.yamlData), config.DataTypeYAML, cfg)
			require.ErrorContains(t, err, tt.expectedErrMsg)
		})
	}

	t.Run("invalid address is ignored when disabled", func(t *testing.T) {
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(
			bytes.NewBufferString("profServer:\n  address: localhost\n"), config.DataTypeYAML, cfg)
		require.NoError(t, err)
	})
}
