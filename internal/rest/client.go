// Package rest is the signed HTTP gateway to the EcoFlow cloud API.
//
// Every request is signed per internal/signer and checked against the
// uniform {message, data} envelope. The gateway returns the data member
// verbatim; it never interprets device-specific payload shapes.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ecoflow-bridge/internal/signer"
)

// BaseURL is the production EcoFlow API endpoint.
const BaseURL = "https://api-e.ecoflow.com/"

// API paths.
const (
	EndpointDeviceList    = "iot-open/sign/device/list"
	EndpointCertification = "iot-open/sign/certification"
	EndpointQuotaAll      = "iot-open/sign/device/quota/all"
	EndpointQuota         = "iot-open/sign/device/quota"
)

// envelope is the uniform vendor response wrapper.
type envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client issues signed requests against the vendor REST API.
type Client struct {
	baseURL string
	creds   signer.Credentials
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the production endpoint, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		c.baseURL = u
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a gateway for the given credentials.
func NewClient(creds signer.Credentials, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: BaseURL,
		creds:   creds,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "rest"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a signed GET and returns the envelope's data member.
func (c *Client) Get(ctx context.Context, endpoint string, params *signer.Params) (json.RawMessage, error) {
	return c.Send(ctx, endpoint, http.MethodGet, params)
}

// Send issues a signed request with the given method and returns the
// envelope's data member.
func (c *Client) Send(ctx context.Context, endpoint, method string, params *signer.Params) (json.RawMessage, error) {
	url := c.baseURL + endpoint
	if qs := params.Encode(); qs != "" {
		url += "?" + qs
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range signer.Headers(params, c.creds) {
		req.Header.Set(k, v)
	}

	c.logger.Debug("request", "method", method, "endpoint", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Status: resp.StatusCode, Reason: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Body: body, Err: err}
	}
	if !strings.EqualFold(env.Message, "success") {
		return nil, &APIError{Message: env.Message}
	}
	return env.Data, nil
}

// DeviceEntry is one device from the device/list endpoint.
type DeviceEntry struct {
	SN          string `json:"sn"`
	DeviceName  string `json:"deviceName"`
	ProductName string `json:"productName"`
	Online      int    `json:"online"`
}

// ListDevices fetches the account's bound device list.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceEntry, error) {
	data, err := c.Get(ctx, EndpointDeviceList, nil)
	if err != nil {
		return nil, err
	}
	var entries []DeviceEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &ProtocolError{Body: data, Err: err}
	}
	return entries, nil
}

// Certification is the MQTT access grant returned by the certification
// endpoint. Port arrives as a string from the vendor.
type Certification struct {
	URL      string `json:"url"`
	Port     string `json:"port"`
	Protocol string `json:"protocol"`
	Account  string `json:"certificateAccount"`
	Password string `json:"certificatePassword"`
}

// FetchCertification requests MQTT session credentials for this account.
func (c *Client) FetchCertification(ctx context.Context) (*Certification, error) {
	data, err := c.Get(ctx, EndpointCertification, nil)
	if err != nil {
		return nil, err
	}
	var cert Certification
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, &ProtocolError{Body: data, Err: err}
	}
	return &cert, nil
}

// QuotaAll fetches the full quota snapshot for one device. The result is a
// flat mapping of dotted-path keys to values; interpretation is left to
// the device state model.
func (c *Client) QuotaAll(ctx context.Context, sn string) (map[string]any, error) {
	params := new(signer.Params).Add("sn", sn)
	data, err := c.Get(ctx, EndpointQuotaAll, params)
	if err != nil {
		return nil, err
	}
	var snapshot map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, &ProtocolError{Body: data, Err: err}
	}
	return snapshot, nil
}

// SetQuota issues a signed PUT against the quota endpoint. Fire-and-forget
// semantics: a nil error means the vendor accepted the request, not that
// the device applied it.
func (c *Client) SetQuota(ctx context.Context, params *signer.Params) error {
	_, err := c.Send(ctx, EndpointQuota, http.MethodPut, params)
	return err
}
