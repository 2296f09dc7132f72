package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dropbox/godropbox/time2"
	"github.com/maolilup/TiShiNengRunning/internal/apperrors"
	"github.com/maolilup/TiShiNengRunning/internal/config"
	"github.com/maolilup/TiShiNengRunning/internal/envelope"
	"github.com/maolilup/TiShiNengRunning/internal/types"
	"github.com/maolilup/TiShiNengRunning/internal/util"
	"github.com/pkg/errors"
)

// Client performs signed HTTP calls against the exercise backend. Every
// protected call goes through the signing envelope; responses are decoded
// from the {code, data, msg} wire shape and mapped to the error taxonomy.
type Client struct {
	cfg     config.Server
	account Account
	device  Device
	env     *envelope.Envelope
	clock   time2.Clock

	http   *http.Client
	upload *http.Client
}

// NewClient creates a client for one account/device/token triple.
func NewClient(cfg config.Server, account Account, device Device, token string, clock time2.Clock) (*Client, error) {
	env, err := envelope.New(cfg.Vendor, token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create signing envelope")
	}

	return &Client{
		cfg:     cfg,
		account: account,
		device:  device,
		env:     env,
		clock:   clock,
		http:    &http.Client{Timeout: cfg.Client.Timeout},
		upload:  &http.Client{Timeout: cfg.Client.UploadTimeout},
	}, nil
}

// Account returns the account this client runs as.
func (c *Client) Account() Account { return c.account }

// Device returns the impersonated device.
func (c *Client) Device() Device { return c.device }

// Envelope exposes the signing envelope (the scheduler signs multipart
// uploads through it).
func (c *Client) Envelope() *envelope.Envelope { return c.env }

// SetToken swaps the authorization token, replacing the signing cipher with it.
func (c *Client) SetToken(token string) error {
	return c.env.SetToken(token)
}

// TimestampNow renders the current clock time in backend form (ms since epoch).
func (c *Client) TimestampNow() string {
	return strconv.FormatInt(c.clock.Now().UnixMilli(), 10)
}

// v2BaseParams is the device block every protected v2 call carries.
func (c *Client) v2BaseParams() map[string]any {
	return map[string]any{
		"appType":      "Android",
		"versionCode":  c.cfg.App.VersionCode,
		"versionName":  c.cfg.App.VersionName,
		"signatureMD5": c.cfg.Vendor.SignatureMD5,
		"brand":        c.device.Brand,
		"model":        c.device.Model,
		"system":       "Android",
		"version":      c.device.OSVersion,
		"uniqueCode":   c.device.UniqueCode,
	}
}

func (c *Client) baseHeaders() http.Header {
	h := http.Header{}
	h.Set("model", c.device.Brand+"-"+c.device.Model)
	h.Set("uniqueCode", c.device.UniqueCode)
	h.Set("school", c.account.SchoolCode)
	h.Set("Cookie", "host="+c.account.SchoolCode)
	h.Set("User-Agent", c.cfg.App.UserAgent)
	return h
}

func (c *Client) signedHeaders(params map[string]any, timestamp string) (http.Header, error) {
	sign, err := c.env.Sign(params, timestamp)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign request")
	}

	h := c.baseHeaders()
	h.Set("sign", sign)
	h.Set("timestamp", timestamp)
	h.Set("Authorization", "Bearer "+c.env.Token())
	return h, nil
}

// apiEnvelope is the wire response shape for every call.
type apiEnvelope struct {
	Code             int              `json:"code"`
	Msg              string           `json:"msg"`
	Data             json.RawMessage  `json:"data"`
	ExerciseRecordID types.FlexString `json:"exerciseRecordId"`
}

func (c *Client) get(ctx context.Context, path string, params map[string]any, timestamp string) (*apiEnvelope, error) {
	if timestamp == "" {
		timestamp = c.TimestampNow()
	}

	headers, err := c.signedHeaders(params, timestamp)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	for k, v := range params {
		query.Set(k, util.Stringify(v))
	}

	reqURL := c.cfg.Vendor.BaseURL + path
	if encoded := query.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header = headers

	log := util.LogFromContext(ctx)
	log.Debug().Str("path", path).Msg("GET")

	return c.do(c.http, req)
}

func (c *Client) postForm(ctx context.Context, path string, params map[string]any, timestamp string) (*apiEnvelope, error) {
	if timestamp == "" {
		timestamp = c.TimestampNow()
	}

	headers, err := c.signedHeaders(params, timestamp)
	if err != nil {
		return nil, err
	}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")

	form := url.Values{}
	for k, v := range params {
		form.Set(k, util.Stringify(v))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Vendor.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header = headers

	log := util.LogFromContext(ctx)
	log.Debug().Str("path", path).Msg("POST")

	return c.do(c.http, req)
}

func (c *Client) do(httpClient *http.Client, req *http.Request) (*apiEnvelope, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindTransport, "request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindTransport, "failed to read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env apiEnvelope
		if jsonErr := json.Unmarshal(body, &env); jsonErr == nil && env.Msg != "" {
			return nil, apperrors.NewWithCode(apperrors.KindTransport, env.Code, env.Msg)
		}
		return nil, apperrors.Newf(apperrors.KindTransport, "unexpected status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.Newf(apperrors.KindTransport, "failed to decode response: %v", err)
	}
	if env.Code != 0 {
		return nil, apperrors.NewWithCode(apperrors.KindProtocol, env.Code, env.Msg)
	}

	return &env, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
