package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sunwatch/go-pvs/internal/domain"
	"github.com/sunwatch/go-pvs/internal/normalize"
)

// deviceListResponse is the wrapper around a DeviceList command's payload.
// Device entries stay as raw maps here; the normalizer owns field semantics.
type deviceListResponse struct {
	Devices []map[string]interface{} `json:"devices"`
}

// LegacyClient speaks the unauthenticated CGI protocol of older firmware.
type LegacyClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewLegacyClient creates a client for the given gateway host. The timeout
// is generous because the embedded device can take a very long time to
// assemble a device list.
func NewLegacyClient(host string, timeout time.Duration) *LegacyClient {
	return &LegacyClient{
		baseURL: fmt.Sprintf("http://%s", host),
		client:  &http.Client{Timeout: timeout},
		logger:  log.With().Str("component", "legacy-client").Logger(),
	}
}

// Protocol identifies this client's wire protocol.
func (c *LegacyClient) Protocol() domain.Protocol {
	return domain.ProtocolLegacy
}

// FetchInventory retrieves and converts the gateway's device list.
func (c *LegacyClient) FetchInventory(ctx context.Context) ([]domain.DeviceRecord, error) {
	url := c.baseURL + "/cgi-bin/dl_cgi?Command=DeviceList"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create device list request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device list request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusUnauthorized, http.StatusForbidden:
		// Newer firmware rejects unauthenticated calls; the caller decides
		// whether to switch protocols.
		return nil, fmt.Errorf("device list returned HTTP %d: %w", resp.StatusCode, ErrAuthRequired)
	default:
		return nil, fmt.Errorf("device list returned HTTP %d", resp.StatusCode)
	}

	var payload deviceListResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode device list: %w", err)
	}

	records := normalize.LegacyDevices(payload.Devices)
	c.logger.Debug().Int("devices", len(records)).Msg("Fetched device inventory")
	return records, nil
}
