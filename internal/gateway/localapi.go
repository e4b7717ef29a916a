package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sunwatch/go-pvs/internal/domain"
	"github.com/sunwatch/go-pvs/internal/normalize"
)

// LocalAPIClient speaks the session-authenticated protocol of newer firmware.
// The device list itself is still served over the CGI path; what changes is
// that every call needs a session cookie, and energy-storage sites require a
// secondary status fetch merged into the same inventory.
type LocalAPIClient struct {
	baseURL string
	client  *http.Client
	session *SessionManager
	logger  zerolog.Logger
	reauths atomic.Int64
}

// NewLocalAPIClient creates an authenticated client for the given gateway
// host, deriving the owner credential from the gateway serial.
func NewLocalAPIClient(host, serial string, timeout time.Duration) (*LocalAPIClient, error) {
	credential, err := DeriveCredential(serial)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	// The gateway serves its auth endpoint over HTTPS with a self-signed
	// certificate.
	client := &http.Client{
		Timeout: timeout,
		Jar:     jar,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
	}

	return &LocalAPIClient{
		baseURL: fmt.Sprintf("http://%s", host),
		client:  client,
		session: NewSessionManager(fmt.Sprintf("https://%s", host), credential, client),
		logger:  log.With().Str("component", "localapi-client").Logger(),
	}, nil
}

// Protocol identifies this client's wire protocol.
func (c *LocalAPIClient) Protocol() domain.Protocol {
	return domain.ProtocolLocalAPI
}

// Session exposes the session manager for proactive refresh and diagnostics.
func (c *LocalAPIClient) Session() *SessionManager {
	return c.session
}

// ReauthCount returns how many reactive re-authentications have occurred.
func (c *LocalAPIClient) ReauthCount() int64 {
	return c.reauths.Load()
}

// Close logs the session out.
func (c *LocalAPIClient) Close(ctx context.Context) {
	c.session.Logout(ctx)
}

// FetchInventory retrieves the device list and, when storage hardware is
// present, merges the energy-storage status report into it. A failed storage
// fetch degrades to the primary inventory rather than failing the cycle.
func (c *LocalAPIClient) FetchInventory(ctx context.Context) ([]domain.DeviceRecord, error) {
	if err := c.session.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	var payload deviceListResponse
	if err := c.getJSON(ctx, c.baseURL+"/cgi-bin/dl_cgi?Command=DeviceList", &payload); err != nil {
		return nil, err
	}
	records := normalize.LegacyDevices(payload.Devices)

	if hasStorageRecords(records) {
		var envelope normalize.ESSEnvelope
		if err := c.getJSON(ctx, c.baseURL+"/cgi-bin/dl_cgi/energy-storage-system/status", &envelope); err != nil {
			c.logger.Warn().Err(err).Msg("Energy storage status fetch failed, serving primary inventory only")
		} else {
			records = append(records, normalize.ESSDevices(envelope.Report, time.Now().UTC())...)
		}
	}

	c.logger.Debug().Int("devices", len(records)).Msg("Fetched device inventory")
	return records, nil
}

// getJSON performs an authenticated GET with exactly one re-auth-and-retry
// on session expiry. A second rejection surfaces as ErrAuthFailed.
func (c *LocalAPIClient) getJSON(ctx context.Context, url string, out interface{}) error {
	status, err := c.doJSON(ctx, url, out)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return fmt.Errorf("gateway returned HTTP %d for %s", status, url)
	}

	// Session expired underneath us. Re-authenticate and retry once.
	c.session.Invalidate()
	if err := c.session.EnsureAuthenticated(ctx); err != nil {
		return err
	}
	c.reauths.Add(1)
	c.logger.Info().Str("url", url).Msg("Re-authenticated after session expiry")

	status, err = c.doJSON(ctx, url, out)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("gateway rejected retry with HTTP %d: %w", status, ErrAuthFailed)
	default:
		return fmt.Errorf("gateway returned HTTP %d for %s", status, url)
	}
}

// doJSON issues one GET and decodes the body on 200. Non-200 statuses are
// returned to the caller undecoded.
func (c *LocalAPIClient) doJSON(ctx context.Context, url string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func hasStorageRecords(records []domain.DeviceRecord) bool {
	for i := range records {
		switch records[i].Type {
		case domain.DeviceTypeESS, domain.DeviceTypeBattery, domain.DeviceTypeHubPlus, domain.DeviceTypeTransferSwitch:
			return true
		}
	}
	return false
}
