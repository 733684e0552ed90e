/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratekeeper/config"
	"github.com/acronis/go-ratekeeper/httpserver/middleware"
	"github.com/acronis/go-ratekeeper/log"
	"github.com/acronis/go-ratekeeper/log/logtest"
	"github.com/acronis/go-ratekeeper/restapi"
	"github.com/acronis/go-ratekeeper/testutil"
)

const testErrDomain = "RateKeeper"

func generateCertificate(certFilePath, privKeyPath string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Hosting.com"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	// Encode and write the certificate to cert.pem
	certOut, err := os.Create(certFilePath)
	if err != nil {
		return fmt.Errorf("failed to create %#q for writing: %w", certFilePath, err)
	}
	defer func() { _ = certOut.Close() }()
	err = pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err != nil {
		return fmt.Errorf("failed to write data to %#q: %w", certFilePath, err)
	}

	// Encode and write the private key to key.pem
	keyOut, err := os.Create(privKeyPath)
	if err != nil {
		return fmt.Errorf("failed to create %#q for writing: %w", privKeyPath, err)
	}
	defer func() { _ = keyOut.Close() }()

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	err = pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})
	if err != nil {
		return fmt.Errorf("failed to write data to %#q: %w", privKeyPath, err)
	}
	return nil
}

func startServer(t *testing.T, cfg *Config, logger log.FieldLogger, opts Opts) *HTTPServer {
	t.Helper()
	httpServer, err := New(cfg, logger, opts)
	require.NoError(t, err)
	fatalErr := make(chan error, 1)
	go httpServer.Start(fatalErr)
	require.NoError(t, testutil.WaitListeningServer(cfg.Address, time.Second*3))
	t.Cleanup(func() {
		require.NoError(t, httpServer.Stop(false))
		select {
		case err := <-fatalErr:
			require.NoError(t, err)
		default:
		}
	})
	return httpServer
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { require.NoError(t, resp.Body.Close()) }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHTTPServer_Start_SecureServer(t *testing.T) {
	dirName := t.TempDir()
	certFilePath := filepath.Join(dirName, "cert.pem")
	privKeyFile := filepath.Join(dirName, "key.pem")
	require.NoError(t, generateCertificate(certFilePath, privKeyFile))

	addr := testutil.GetLocalAddrWithFreeTCPPort()
	cfg := TLSConfig{Enabled: true, Certificate: certFilePath, Key: privKeyFile}
	httpServer := startServer(t, &Config{Address: addr, TLS: cfg}, logtest.NewRecorder(), Opts{})

	require.Equal(t, addr, fmt.Sprintf("127.0.0.1:%d", httpServer.GetPort()))
	require.True(t, strings.HasPrefix(httpServer.URL, "https://"))

	resp, err := buildClient(cfg.Certificate).Get(httpServer.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"components":{}}`, readBody(t, resp))
}

func buildClient(certPath string) *http.Client {
	// Set up our own certificate pool
	tlsConfig := &tls.Config{RootCAs: x509.NewCertPool()}
	transport := &http.Transport{TLSClientConfig: tlsConfig}
	client := &http.Client{Transport: transport}

	// Load our trusted certificate path
	pemData, err := os.ReadFile(certPath)
	if err != nil {
		panic(err)
	}
	ok := tlsConfig.RootCAs.AppendCertsFromPEM(pemData)
	if !ok {
		panic("Couldn't load PEM data")
	}

	return client
}

func TestHTTPServer_StartWithDynamicPort(t *testing.T) {
	httpServer, err := New(&Config{Address: "127.0.0.1:0"}, logtest.NewRecorder(), Opts{})
	require.NoError(t, err)
	fatalErr := make(chan error, 1)
	go httpServer.Start(fatalErr)
	defer func() {
		require.NoError(t, httpServer.Stop(false))
		require.Empty(t, fatalErr)
	}()

	require.Eventually(t, func() bool { return httpServer.GetPort() > 0 }, time.Second*3, time.Millisecond*10)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", httpServer.GetPort()))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"components":{}}`, readBody(t, resp))
}

func TestHTTPServer_Start_UnixSocket(t *testing.T) {
	unixSocketPath := filepath.Join(t.TempDir(), "s.sock")
	httpServer, err := New(&Config{UnixSocketPath: unixSocketPath}, logtest.NewRecorder(), Opts{})
	require.NoError(t, err)
	network, addr := httpServer.NetworkAndAddr()
	require.Equal(t, "unix", network)
	require.Equal(t, unixSocketPath, addr)

	fatalErr := make(chan error, 1)
	go httpServer.Start(fatalErr)
	require.NoError(t, testutil.WaitListeningServerWithUnixSocket(unixSocketPath, time.Second*3))
	defer func() {
		require.NoError(t, httpServer.Stop(false))
		require.Empty(t, fatalErr)
	}()
	require.Equal(t, 0, httpServer.GetPort())

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		dialer := net.Dialer{}
		return dialer.DialContext(ctx, "unix", unixSocketPath)
	}
	client := &http.Client{Timeout: time.Second, Transport: tr}

	resp, err := client.Get(httpServer.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, readBody(t, resp))
}

func TestHTTPServer_Proxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/42":
			rw.Header().Set("Content-Type", restapi.ContentTypeAppJSON)
			_, _ = fmt.Fprintf(rw, `{"order":42,"client":%q,"requestId":%q}`,
				r.Header.Get(HeaderClientID), r.Header.Get(headerRequestID))
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	proxy, err := NewReverseProxy(&ProxyConfig{UpstreamURL: upstream.URL}, testErrDomain)
	require.NoError(t, err)

	apiMwCalls := atomic.NewInt32(0)
	setClient := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			apiMwCalls.Inc()
			if r.URL.Path == "/panic" {
				panic("PANIC!!!")
			}
			next.ServeHTTP(rw, r.WithContext(middleware.NewContextWithClientID(r.Context(), "acme")))
		})
	}

	addr := testutil.GetLocalAddrWithFreeTCPPort()
	httpServer := startServer(t, &Config{Address: addr}, logtest.NewRecorder(), Opts{
		ErrorDomain:    testErrDomain,
		APIHandler:     proxy,
		APIMiddlewares: []func(http.Handler) http.Handler{setClient},
	})

	req, err := http.NewRequest(http.MethodGet, httpServer.URL+"/orders/42", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderClientID, "spoofed")
	req.Header.Set(headerRequestID, "req-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "req-1", resp.Header.Get(headerRequestID))
	require.JSONEq(t, `{"order":42,"client":"acme","requestId":"req-1"}`, readBody(t, resp))
	require.Equal(t, int32(1), apiMwCalls.Load())

	// Upstream errors are passed through as is.
	resp, err = http.Post(httpServer.URL+"/unknown", restapi.ContentTypeAppJSON, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	// Panic in the API middlewares is recovered.
	resp, err = http.Get(httpServer.URL + "/panic")
	require.NoError(t, err)
	testutil.RequireErrorInResponse(t, resp, http.StatusInternalServerError, testErrDomain, restapi.ErrCodeInternal)
	require.NoError(t, resp.Body.Close())

	// System endpoints bypass the API middlewares.
	apiMwCalls.Store(0)
	for _, endpoint := range systemEndpoints {
		resp, err = http.Get(httpServer.URL + endpoint)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, resp.Body.Close())
	}
	require.Equal(t, int32(0), apiMwCalls.Load())
}

func TestHTTPServer_Proxy_UpstreamIsDown(t *testing.T) {
	proxy, err := NewReverseProxy(&ProxyConfig{
		UpstreamURL: "http://" + testutil.GetLocalAddrWithFreeTCPPort()}, testErrDomain)
	require.NoError(t, err)

	logger := logtest.NewRecorder()
	addr := testutil.GetLocalAddrWithFreeTCPPort()
	httpServer := startServer(t, &Config{Address: addr}, logger, Opts{ErrorDomain: testErrDomain, APIHandler: proxy})

	resp, err := http.Get(httpServer.URL + "/orders")
	require.NoError(t, err)
	testutil.RequireErrorInResponse(t, resp, http.StatusBadGateway, testErrDomain, restapi.ErrCodeBadGateway)
	require.NoError(t, resp.Body.Close())

	_, found := logger.FindEntry("upstream request failed")
	require.True(t, found)
}

func TestNewReverseProxy_InvalidUpstream(t *testing.T) {
	for _, upstreamURL := range []string{"", "/orders", "ftp://files.internal", "http://"} {
		_, err := NewReverseProxy(&ProxyConfig{UpstreamURL: upstreamURL}, testErrDomain)
		require.Error(t, err, upstreamURL)
	}
}

func TestHTTPServer_NotFound(t *testing.T) {
	addr := testutil.GetLocalAddrWithFreeTCPPort()
	httpServer := startServer(t, &Config{Address: addr}, logtest.NewRecorder(), Opts{ErrorDomain: testErrDomain})

	resp, err := http.Get(httpServer.URL + "/orders")
	require.NoError(t, err)
	testutil.RequireErrorInResponse(t, resp, http.StatusNotFound, testErrDomain, restapi.ErrCodeNotFound)
	require.NoError(t, resp.Body.Close())

	resp, err = http.Post(httpServer.URL+"/healthz", restapi.ContentTypeAppJSON, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestHTTPServer_Stop(t *testing.T) {
	sleepHandler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second * 1) // Long operation.
		restapi.RespondJSON(rw, map[string]string{"message": "long operation is finished!"}, middleware.GetLoggerFromContext(r.Context()))
	})
	opts := Opts{APIHandler: sleepHandler}

	t.Run("with gracefully shutdown", func(t *testing.T) {
		addr := testutil.GetLocalAddrWithFreeTCPPort()
		httpServer, err := New(&Config{Address: addr, Timeouts: TimeoutsConfig{Shutdown: config.TimeDuration(time.Second * 3)}},
			logtest.NewRecorder(), opts)
		require.NoError(t, err)
		fatalErr := make(chan error, 1)
		go httpServer.Start(fatalErr)
		require.NoError(t, testutil.WaitListeningServer(addr, time.Second*3))

		done := make(chan error, 1)
		go func() {
			c := http.Client{Timeout: time.Second * 5}
			resp, err := c.Get(httpServer.URL + "/sleep")
			if err != nil {
				done <- err
				return
			}
			body, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err == nil && !bytes.Contains(body, []byte("long operation is finished!")) {
				err = fmt.Errorf("unexpected body %q", body)
			}
			done <- err
		}()

		time.Sleep(time.Millisecond * 500) // Give time to send request.

		require.NoError(t, httpServer.Stop(true))
		require.Empty(t, fatalErr)
		require.NoError(t, <-done,
			"server should wait until all HTTP requests are served and only after this close TCP connection")
	})

	t.Run("w/o gracefully shutdown", func(t *testing.T) {
		addr := testutil.GetLocalAddrWithFreeTCPPort()
		httpServer, err := New(&Config{Address: addr}, logtest.NewRecorder(), opts)
		require.NoError(t, err)
		fatalErr := make(chan error, 1)
		go httpServer.Start(fatalErr)
		require.NoError(t, testutil.WaitListeningServer(addr, time.Second*3))

		done := make(chan error, 1)
		go func() {
			c := http.Client{Timeout: time.Second * 5}
			resp, err := c.Get(httpServer.URL + "/sleep")
			if err == nil {
				_ = resp.Body.Close()
			}
			done <- err
		}()

		time.Sleep(time.Millisecond * 500) // Give time to send request.

		require.NoError(t, httpServer.Stop(false))
		require.Empty(t, fatalErr)
		require.Error(t, <-done, "server should close TCP connection immediately")
	})

	t.Run("stop without start", func(t *testing.T) {
		httpServer, err := New(&Config{Address: testutil.GetLocalAddrWithFreeTCPPort()}, logtest.NewRecorder(), opts)
		require.NoError(t, err)
		require.NoError(t, httpServer.Stop(true))
		require.NoError(t, httpServer.Stop(false))
	})
}

func TestHTTPServer_MetricsHandler(t *testing.T) {
	wrapperNewValues := []byte("input new values")
	metricWrapper := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(wrapperNewValues)
			h.ServeHTTP(w, r)
		})
	}

	addr := testutil.GetLocalAddrWithFreeTCPPort()
	httpServer := startServer(t, &Config{Address: addr}, logtest.NewRecorder(),
		Opts{MetricsHandler: metricWrapper(promhttp.Handler())})

	resp, err := http.Get(httpServer.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), string(wrapperNewValues))
}

func TestHTTPServer_Logging(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	proxy, err := NewReverseProxy(&ProxyConfig{UpstreamURL: upstream.URL}, testErrDomain)
	require.NoError(t, err)

	logger := logtest.NewRecorder()
	logConfig := LogConfig{
		RequestStart:      true,
		RequestHeaders:    []string{"X-Custom-Header1", "X-Custom-Header2"},
		ExcludedEndpoints: []string{"/metrics", "/healthz"},
		SecretQueryParams: []string{"token", "sign"},
	}
	addr := testutil.GetLocalAddrWithFreeTCPPort()
	httpServer := startServer(t, &Config{Address: addr, Log: logConfig}, logger, Opts{ErrorDomain: testErrDomain, APIHandler: proxy})

	req, err := http.NewRequest(http.MethodGet, httpServer.URL+"/orders?token=secretToken&sign=secretSign&foo=bar", nil)
	require.NoError(t, err)
	req.Header.Set("X-Custom-Header1", "value1")
	req.Header.Set("X-Custom-Header2", "value2")
	req.Header.Set("X-Custom-Header3", "value3")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
	for _, logMsg := range []string{"request started", "response completed"} {
		logEntry, found := logger.FindEntryByFilter(func(entry logtest.RecordedEntry) bool {
			return strings.Contains(entry.Text, logMsg)
		})
		require.True(t, found, "%q should be logged", logMsg)

		// Check custom headers (only that were specified in the config) are logged.
		require.Equal(t, "value1", logEntry.FieldString("req_header_x_custom_header1"))
		require.Equal(t, "value2", logEntry.FieldString("req_header_x_custom_header2"))
		_, found = logEntry.FindField("req_header_x_custom_header3")
		require.False(t, found)

		// Check secret query parameters are hidden.
		parsedLoggedURL, parseErr := url.Parse(logEntry.FieldString("uri"))
		require.NoError(t, parseErr)
		require.Equal(t, "bar", parsedLoggedURL.Query().Get("foo"))
		require.Equal(t, middleware.LoggingSecretQueryPlaceholder, parsedLoggedURL.Query().Get("token"))
		require.Equal(t, middleware.LoggingSecretQueryPlaceholder, parsedLoggedURL.Query().Get("sign"))
	}

	logger.Reset()

	// Check requests for excluded endpoints are not logged.
	for _, endpoint := range systemEndpoints {
		resp, err = http.Get(httpServer.URL + endpoint)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, resp.Body.Close())
	}
	require.Empty(t, logger.Entries())
}

func TestHTTPServer_WithHandler(t *testing.T) {
	addr := testutil.GetLocalAddrWithFreeTCPPort()
	httpServer := startServer(t, &Config{Address: addr}, logtest.NewRecorder(), Opts{
		Handler: http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusAccepted)
		}),
	})
	require.Nil(t, httpServer.HTTPRouter)

	resp, err := http.Get(httpServer.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	// No collector is created when the custom handler is used.
	httpServer.MustRegisterMetrics()
	httpServer.UnregisterMetrics()
}
