/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ratekeeper/httpserver"
	"github.com/acronis/go-ratekeeper/httpserver/middleware"
	"github.com/acronis/go-ratekeeper/log/logtest"
	"github.com/acronis/go-ratekeeper/restapi"
	"github.com/acronis/go-ratekeeper/storage"
	"github.com/acronis/go-ratekeeper/testutil"
)

const testConfigTmpl = `
log:
  level: debug
server:
  address: "127.0.0.1:0"
  proxy:
    upstreamURL: %q
  rateLimit:
    refundStatuses: [502]
storage:
  backend: memory
  memory:
    cleanupInterval: 50ms
rateLimit:
  defaultAlg: fixed_window
  endpoints:
    - id: orders
      routes:
        - path: /api/v1/orders
          methods: GET
  excludedRoutes:
    - path: "= /api/v1/status"
  clients:
    - id: acme
      tokens: [acme-token]
      limits:
        - endpoint: orders
          rate: 2/m
        - endpoint: "GET /api/v1/reports*"
          rate: 1/m
        - endpoint: "GET /api/v1/users*"
          rate: 1/m
          alg: sliding_window
`

func writeTestConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func doRequest(t *testing.T, method, url, token string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func requireErrorBody(t *testing.T, resp *http.Response, body string, wantStatus int, wantErrCode string) {
	t.Helper()
	require.Equal(t, wantStatus, resp.StatusCode)
	require.Equal(t, restapi.ContentTypeAppJSON, resp.Header.Get("Content-Type"))
	var errResp restapi.ErrorResponseData
	require.NoError(t, json.Unmarshal([]byte(body), &errResp))
	require.Equal(t, errDomain, errResp.Err.Domain)
	require.Equal(t, wantErrCode, errResp.Err.Code)
}

func TestApp(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/reports/broken" {
			rw.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = rw.Write([]byte(r.Header.Get(httpserver.HeaderClientID)))
	}))
	defer upstream.Close()

	cfg, err := loadAppConfig(writeTestConfig(t, fmt.Sprintf(testConfigTmpl, upstream.URL)))
	require.NoError(t, err)

	logger := logtest.NewRecorder()
	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.close()

	a.unit.MustRegisterMetrics()
	defer a.unit.UnregisterMetrics()

	fatalErr := make(chan error, 1)
	go a.unit.Start(fatalErr)
	defer func() {
		require.NoError(t, a.unit.Stop(true))
		require.Empty(t, fatalErr)
	}()
	require.Eventually(t, func() bool { return a.gateway.GetPort() != 0 }, time.Second*3, time.Millisecond*10)
	gatewayURL := "http://127.0.0.1:" + strconv.Itoa(a.gateway.GetPort())

	t.Run("request without token is unauthorized", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodGet, gatewayURL+"/api/v1/orders", "")
		requireErrorBody(t, resp, body, http.StatusUnauthorized, restapi.ErrCodeUnauthorized)
	})

	t.Run("requests over the limit are rejected", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			resp, body := doRequest(t, http.MethodGet, gatewayURL+"/api/v1/orders", "acme-token")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, "acme", body)
			require.Equal(t, "2", resp.Header.Get(middleware.HeaderRateLimitLimit))
			require.Equal(t, strconv.Itoa(1-i), resp.Header.Get(middleware.HeaderRateLimitRemaining))
		}

		resp, _ := doRequest(t, http.MethodGet, gatewayURL+"/api/v1/orders", "acme-token")
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		require.Equal(t, "fixed_window", resp.Header.Get(middleware.HeaderRateLimitStrategy))
		retryAfter, err := strconv.Atoi(resp.Header.Get(middleware.HeaderRetryAfter))
		require.NoError(t, err)
		require.True(t, retryAfter >= 1 && retryAfter <= 60, "Retry-After: %d", retryAfter)
	})

	t.Run("upstream failure is refunded", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			resp, _ := doRequest(t, http.MethodGet, gatewayURL+"/api/v1/reports/broken", "acme-token")
			require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		}
	})

	t.Run("limit with sliding window", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodGet, gatewayURL+"/api/v1/users", "acme-token")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "sliding_window", resp.Header.Get(middleware.HeaderRateLimitStrategy))

		resp, body := doRequest(t, http.MethodGet, gatewayURL+"/api/v1/users", "acme-token")
		requireErrorBody(t, resp, body, http.StatusTooManyRequests, middleware.RateLimitErrCode)
	})

	t.Run("request to endpoint without limit is forbidden", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodPost, gatewayURL+"/api/v1/orders", "acme-token")
		requireErrorBody(t, resp, body, http.StatusForbidden, middleware.RateLimitErrCodeNotConfigured)
	})

	t.Run("excluded route is not rate-limited", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			resp, _ := doRequest(t, http.MethodGet, gatewayURL+"/api/v1/status", "acme-token")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Empty(t, resp.Header.Get(middleware.HeaderRateLimitLimit))
		}
	})

	t.Run("system endpoints", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodGet, gatewayURL+"/healthz", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, body := doRequest(t, http.MethodGet, gatewayURL+"/metrics", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, body, `ratekeeper_ratelimit_decisions_total{alg="fixed_window",result="limited"} 1`)
		require.Contains(t, body, "ratekeeper_upstream_request_duration_seconds_count")
	})
}

func TestNewApp_Errors(t *testing.T) {
	tests := []struct {
		name      string
		modifyCfg func(cfg *AppConfig)
		wantErr   string
	}{
		{
			name: "unknown storage backend",
			modifyCfg: func(cfg *AppConfig) {
				cfg.Storage.Backend = "etcd"
			},
			wantErr: `create rate limit storage: unknown storage backend "etcd"`,
		},
		{
			name: "invalid upstream",
			modifyCfg: func(cfg *AppConfig) {
				cfg.Server.Proxy.UpstreamURL = "ftp://upstream"
			},
			wantErr: "create reverse proxy",
		},
		{
			name: "window outlives redis keys",
			modifyCfg: func(cfg *AppConfig) {
				cfg.Storage.Backend = storage.BackendRedis
				cfg.Storage.Redis.URL = "redis://127.0.0.1:1"
				cfg.Storage.Redis.KeyTTL = 30 * time.Second
			},
			wantErr: "validate config: storage.redis.keyTTL: should be >= the largest rate limit window (1m0s), got 30s",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadAppConfig(writeTestConfig(t, fmt.Sprintf(testConfigTmpl, "http://127.0.0.1:1")))
			require.NoError(t, err)
			tt.modifyCfg(cfg)

			_, err = newApp(context.Background(), cfg, logtest.NewRecorder())
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewApp_RedisIsDown(t *testing.T) {
	cfg, err := loadAppConfig(writeTestConfig(t, fmt.Sprintf(testConfigTmpl, "http://127.0.0.1:1")))
	require.NoError(t, err)
	cfg.Storage.Backend = storage.BackendRedis
	cfg.Storage.Redis.URL = "redis://" + testutil.GetLocalAddrWithFreeTCPPort()
	cfg.Storage.Redis.StartupWait = 0

	logger := logtest.NewRecorder()
	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.close()

	_, found := logger.FindEntry("rate limit storage is not available, starting anyway")
	require.True(t, found)
	require.Len(t, a.unit.Units, 1)
}

func TestLoadAppConfig(t *testing.T) {
	t.Run("unsupported extension", func(t *testing.T) {
		_, err := loadAppConfig(filepath.Join(t.TempDir(), "config.toml"))
		require.ErrorContains(t, err, "unsupported config file extension")
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("RATEKEEPER_STORAGE_BACKEND", "redis")
		t.Setenv("RATEKEEPER_STORAGE_REDIS_URL", "redis://localhost:6379/1")
		cfg, err := loadAppConfig(writeTestConfig(t, fmt.Sprintf(testConfigTmpl, "http://upstream")))
		require.NoError(t, err)
		require.Equal(t, storage.BackendRedis, cfg.Storage.Backend)
		require.Equal(t, "redis://localhost:6379/1", cfg.Storage.Redis.URL)
		require.False(t, cfg.ProfServer.Enabled)
	})

	t.Run("window outlives memory keys", func(t *testing.T) {
		_, err := loadAppConfig(writeTestConfig(t, `
server:
  proxy:
    upstreamURL: http://upstream
storage:
  memory:
    idleTTL: 1h
rateLimit:
  clients:
    - id: acme
      limits:
        - endpoint: orders
          rate: 100/24h
`))
		require.ErrorContains(t, err, "storage.memory.idleTTL: should be >= the largest rate limit window (24h0m0s), got 1h0m0s")
	})

	t.Run("invalid rules", func(t *testing.T) {
		_, err := loadAppConfig(writeTestConfig(t, `
server:
  proxy:
    upstreamURL: http://upstream
rateLimit:
  clients:
    - id: acme
      limits:
        - endpoint: orders
          rate: 0/m
`))
		require.Error(t, err)
	})
}
