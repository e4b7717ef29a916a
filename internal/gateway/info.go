package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SupervisorInfo is the identity block the gateway's supervisor endpoint
// returns. It is the cheapest query that reveals the firmware build, so it is
// used once at setup (and on demand) to select a protocol.
type SupervisorInfo struct {
	Build  int    `json:"BUILD"`
	Serial string `json:"SERIAL"`
	Model  string `json:"MODEL"`
	SWVer  string `json:"SWVER"`
}

// FetchSupervisorInfo queries the supervisor endpoint on the given host.
func FetchSupervisorInfo(ctx context.Context, host string, timeout time.Duration) (*SupervisorInfo, error) {
	url := fmt.Sprintf("http://%s/cgi-bin/dl_cgi/supervisor/info", host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor info request: %w", err)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supervisor info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supervisor info returned HTTP %d", resp.StatusCode)
	}

	var info SupervisorInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode supervisor info: %w", err)
	}
	return &info, nil
}
