// Package pvoutput provides the PVOutput.org monitoring service implementation.
package pvoutput

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sunwatch/go-pvs/internal/config"
	"github.com/sunwatch/go-pvs/internal/domain"
)

const defaultAPIURL = "https://pvoutput.org/service/r2/addstatus.jsp"

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.Snapshot) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org. It
// derives site-level production values from a snapshot's inverter records and,
// when a consumption meter is present, posts consumption in a second request.
type Client struct {
	config     *config.Config
	httpClient *http.Client
	apiURL     string
	lastUpdate time.Time
	mutex      sync.Mutex
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiURL:     defaultAPIURL,
	}
}

// Connect establishes a connection to the service.
// For PVOutput, this is a no-op as each request is independent.
func (c *Client) Connect() error {
	return nil
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	return nil
}

// Send uploads production data from a snapshot to PVOutput.
func (c *Client) Send(ctx context.Context, snap *domain.Snapshot) error {
	if !c.config.PVOutput.Enabled || snap == nil {
		return nil
	}

	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return fmt.Errorf("PVOutput API key and/or System ID not configured")
	}

	// Stale data would be posted against the current time
	if snap.Source != domain.SourceFresh {
		return nil
	}

	if !c.canUpdate() {
		return nil // Skip update due to rate limiting
	}

	if err := c.sendProduction(ctx, snap); err != nil {
		return err
	}

	if meter := consumptionMeter(snap); meter != nil {
		if err := c.sendConsumption(ctx, meter); err != nil {
			return fmt.Errorf("consumption POST failed: %w", err)
		}
	}

	c.updateTimestamp()
	return nil
}

// sendProduction posts site generation values (v2, v5, v6) aggregated over
// the snapshot's inverters.
func (c *Client) sendProduction(ctx context.Context, snap *domain.Snapshot) error {
	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", c.config.PVOutput.SystemID)

	now := time.Now()
	params.Set("d", now.Format("20060102"))
	params.Set("t", now.Format("15:04"))

	var powerKW, tempSum, voltSum float64
	var tempCount, voltCount int
	for _, dev := range snap.ByType(domain.DeviceTypeInverter) {
		if p, ok := dev.Float(domain.FieldPower); ok {
			powerKW += p
		}
		if temp, ok := dev.Float(domain.FieldTemperature); ok {
			tempSum += temp
			tempCount++
		}
		if volts, ok := dev.Float(domain.FieldVoltage); ok {
			voltSum += volts
			voltCount++
		}
	}

	// Convert to watts
	params.Set("v2", strconv.FormatFloat(powerKW*1000, 'f', 0, 64))

	if c.config.PVOutput.UseInverterTemp && tempCount > 0 {
		params.Set("v5", strconv.FormatFloat(tempSum/float64(tempCount), 'f', 1, 64))
	}
	if voltCount > 0 {
		params.Set("v6", strconv.FormatFloat(voltSum/float64(voltCount), 'f', 1, 64))
	}

	return c.makeRequest(ctx, params)
}

// sendConsumption posts the consumption meter's power draw (v4 with the net
// flag) in a second request.
func (c *Client) sendConsumption(ctx context.Context, meter *domain.DeviceRecord) error {
	power, ok := meter.Float(domain.FieldPower)
	if !ok {
		return nil
	}

	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", c.config.PVOutput.SystemID)

	now := time.Now()
	params.Set("d", now.Format("20060102"))
	params.Set("t", now.Format("15:04"))

	// v4: net power in W (positive = consuming, negative = exporting)
	params.Set("v4", strconv.FormatFloat(power*1000, 'f', 0, 64))
	params.Set("n", "1")

	return c.makeRequest(ctx, params)
}

// consumptionMeter finds the consumption CT in a snapshot by its meter
// subtype. Production meters, including the one synthesized from inverters,
// carry the -P subtype and report generation, not draw.
func consumptionMeter(snap *domain.Snapshot) *domain.DeviceRecord {
	for i := range snap.Devices {
		dev := &snap.Devices[i]
		if dev.IsConsumptionMeter() {
			return dev
		}
	}
	return nil
}

// makeRequest makes an HTTP POST request to PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(
		ctx,
		"POST",
		c.apiURL,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PVOutput returned status code %d", resp.StatusCode)
	}

	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.lastUpdate.IsZero() {
		return true
	}

	updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return time.Since(c.lastUpdate) >= updateInterval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdate = time.Now()
}
