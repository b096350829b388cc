// Package sources is a client for the platform sources API, which owns the
// applications and authentications customers register cloudigrade with.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/identity"
)

// Header names understood by the sources API.
const (
	HeaderIdentity      = "X-RH-IDENTITY"
	HeaderPSK           = "x-rh-sources-psk"
	HeaderAccountNumber = "x-rh-sources-account-number"
	HeaderOrgID         = "x-rh-sources-org-id"
)

// Config captures runtime configuration for the sources client.
type Config struct {
	BaseURL    string
	Path       string
	PSK        string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client reads sources objects over HTTP.
type Client struct {
	base       string
	psk        string
	retryLimit int
	client     *http.Client

	mu      sync.Mutex
	typeIDs map[string]string
}

// NewClient constructs a sources client from config. Callers must provide a base URL.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("sources api base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid sources api base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		base:       base + "/" + strings.Trim(cfg.Path, "/"),
		psk:        cfg.PSK,
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
		typeIDs:    make(map[string]string),
	}, nil
}

// GetApplication returns the application with id, or nil when sources has none.
func (c *Client) GetApplication(ctx context.Context, ident identity.Identity, id int64) (*model.SourcesApplication, error) {
	var app model.SourcesApplication
	found, err := c.get(ctx, ident, "applications/"+strconv.FormatInt(id, 10), nil, &app)
	if err != nil || !found {
		return nil, err
	}
	return &app, nil
}

// GetAuthentication returns the authentication with id, or nil when sources has none.
func (c *Client) GetAuthentication(
	ctx context.Context,
	ident identity.Identity,
	id int64,
) (*model.SourcesAuthentication, error) {
	var auth model.SourcesAuthentication
	found, err := c.get(ctx, ident, "authentications/"+strconv.FormatInt(id, 10), nil, &auth)
	if err != nil || !found {
		return nil, err
	}
	return &auth, nil
}

// ApplicationTypeID looks up the application type called name. Results are
// cached for the life of the client since type ids never change.
func (c *Client) ApplicationTypeID(ctx context.Context, ident identity.Identity, name string) (string, error) {
	c.mu.Lock()
	cached, ok := c.typeIDs[name]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	var page struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	query := url.Values{"filter[name]": []string{name}}
	found, err := c.get(ctx, ident, "application_types", query, &page)
	if err != nil {
		return "", err
	}
	if !found || len(page.Data) == 0 {
		return "", fmt.Errorf("sources application type %q not found", name)
	}

	id := page.Data[0].ID
	c.mu.Lock()
	c.typeIDs[name] = id
	c.mu.Unlock()
	return id, nil
}

// get fetches path into dst, retrying transport errors and 5xx responses.
// A 404 reports found=false without error.
func (c *Client) get(ctx context.Context, ident identity.Identity, path string, query url.Values, dst any) (bool, error) {
	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		found, retry, err := c.do(ctx, ident, path, query, dst)
		if err == nil {
			return found, nil
		}
		lastErr = err
		if !retry {
			break
		}
		if attempt < attempts-1 {
			delay := time.Duration(attempt+1) * 200 * time.Millisecond
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return false, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return false, lastErr
}

func (c *Client) do(
	ctx context.Context,
	ident identity.Identity,
	path string,
	query url.Values,
	dst any,
) (found, retry bool, err error) {
	target := c.base + "/" + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, false, fmt.Errorf("create sources request: %w", err)
	}
	for k, v := range c.headers(ident) {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, true, fmt.Errorf("sources request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, resp.StatusCode >= 500,
			fmt.Errorf("sources api %s %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return false, false, fmt.Errorf("decode sources response %s: %w", path, err)
	}
	return true, false, nil
}

func (c *Client) headers(ident identity.Identity) map[string]string {
	h := map[string]string{
		"Accept":       "application/json",
		HeaderIdentity: ident.Encode(),
	}
	if ident.AccountNumber != "" {
		h[HeaderAccountNumber] = ident.AccountNumber
	}
	if ident.OrgID != "" {
		h[HeaderOrgID] = ident.OrgID
	}
	if c.psk != "" {
		h[HeaderPSK] = c.psk
	}
	return h
}

var _ core.SourcesAPI = (*Client)(nil)
