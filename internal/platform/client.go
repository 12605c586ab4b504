package platform

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Installer is the unit descriptor exchanged with the platform.
type Installer struct {
	URL            string `json:"url"`
	InstallerToken string `json:"installerToken"`
	AppName        string `json:"appName"`
	AppVersion     string `json:"appVersion"`
	AppFileName    string `json:"appFileName"`
	AppRunPort     int    `json:"appRunPort"`
	JdkName        string `json:"jdkName"`
	JdkVersion     string `json:"jdkVersion"`
	JdkFileName    string `json:"jdkFileName"`
}

// Config holds client configuration
type Config struct {
	Timeout   time.Duration
	UserAgent string
	CACert    string // CA certificate file path
	Insecure  bool   // Skip TLS verification
	Logger    *slog.Logger
	// Host returns the identity sent with register and requestLatest.
	// Defaults to CollectHostInfo; the first successful result is reused.
	Host func(context.Context) (HostInfo, error)
}

// Client talks to the remote distribution platform. The base URL is passed
// per call because every unit records the platform it was registered with.
type Client struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string
	hostFn    func(context.Context) (HostInfo, error)

	mu   sync.Mutex
	host *HostInfo
}

// New creates a platform client. It fails only when TLS material cannot be loaded.
func New(config Config) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Host == nil {
		config.Host = CollectHostInfo
	}
	if config.UserAgent == "" {
		config.UserAgent = "deployr"
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		client:    &http.Client{Timeout: config.Timeout, Transport: transport},
		logger:    config.Logger,
		userAgent: config.UserAgent,
		hostFn:    config.Host,
	}, nil
}

// Host returns this machine's identity, collecting it on first use.
func (c *Client) Host(ctx context.Context) (HostInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host != nil {
		return *c.host, nil
	}
	hi, err := c.hostFn(ctx)
	if err != nil {
		return hi, fmt.Errorf("collect host info: %w", err)
	}
	c.host = &hi
	return hi, nil
}

type installerRequest struct {
	Token       string `json:"token"`
	ServerToken string `json:"serverToken"`
	IP          string `json:"ip"`
	AppRunPort  int    `json:"appRunPort"`
	OSType      string `json:"osType"`
	OSVersion   string `json:"osVersion"`
	Arch        string `json:"arch"`
}

// Register exchanges a registration token for a new unit descriptor.
func (c *Client) Register(ctx context.Context, baseURL, registrationToken string, port int, serverToken string) (Installer, error) {
	c.logger.Debug("Registering installer", "url", baseURL, "port", port)
	req, err := c.installerRequest(ctx, "register", registrationToken, port, serverToken)
	if err != nil {
		return Installer{}, err
	}
	var out Installer
	if err := c.doJSON(ctx, "register", http.MethodPost, installersURL(baseURL), req, &out); err != nil {
		return Installer{}, err
	}
	if out.URL == "" {
		out.URL = baseURL
	}
	c.logger.Debug("Installer registered", "port", out.AppRunPort, "app", out.AppName, "version", out.AppVersion)
	return out, nil
}

// RequestLatest asks the platform for the newest descriptor of a unit.
func (c *Client) RequestLatest(ctx context.Context, baseURL, installerToken string, port int, serverToken string) (Installer, error) {
	req, err := c.installerRequest(ctx, "request latest", installerToken, port, serverToken)
	if err != nil {
		return Installer{}, err
	}
	var out Installer
	if err := c.doJSON(ctx, "request latest", http.MethodPut, installersURL(baseURL), req, &out); err != nil {
		return Installer{}, err
	}
	if out.URL == "" {
		out.URL = baseURL
	}
	return out, nil
}

// installerRequest fills the host fields. Host identity is only mandatory
// when the caller has no server token of its own.
func (c *Client) installerRequest(ctx context.Context, op, token string, port int, serverToken string) (installerRequest, error) {
	hi, err := c.Host(ctx)
	if err != nil {
		if serverToken == "" {
			return installerRequest{}, &Error{Op: op, Kind: KindNetwork, Err: err}
		}
		c.logger.Warn("sending partial host identity", "error", err)
	}
	if serverToken == "" {
		serverToken = hi.ServerToken
	}
	return installerRequest{
		Token:       token,
		ServerToken: serverToken,
		IP:          hi.IP,
		AppRunPort:  port,
		OSType:      hi.OSType,
		OSVersion:   hi.OSVersion,
		Arch:        hi.Arch,
	}, nil
}

// Deregister tells the platform the unit is gone.
func (c *Client) Deregister(ctx context.Context, baseURL, installerToken string) error {
	u := installersURL(baseURL) + "/" + url.PathEscape(installerToken)
	return c.doJSON(ctx, "deregister", http.MethodDelete, u, nil, nil)
}

func installersURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/installers"
}

// doJSON sends body (when non-nil) and decodes a 2xx response into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, op, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Kind: KindDecode, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return &Error{Op: op, Kind: KindNetwork, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return &Error{Op: op, Kind: KindNetwork, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", "error", cerr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var v ValidationError
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return &Error{Op: op, Kind: KindDecode, Status: resp.StatusCode, Err: err}
		}
		return &Error{Op: op, Kind: KindValidation, Status: resp.StatusCode, Err: &v}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var err error
		if s := strings.TrimSpace(string(msg)); s != "" {
			err = errors.New(s)
		}
		return &Error{Op: op, Kind: KindStatus, Status: resp.StatusCode, Err: err}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Kind: KindDecode, Status: resp.StatusCode, Err: err}
	}
	return nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.CACert != "" {
		if err := loadCACert(tlsConfig, config.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// Transport exposes the configured round tripper so artifact downloads share
// the platform's TLS settings without inheriting its request timeout.
func (c *Client) Transport() http.RoundTripper {
	return c.client.Transport
}
