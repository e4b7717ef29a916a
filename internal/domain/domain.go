// Package domain provides core domain models and interfaces for the go-pvs application.
package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Device types as reported by the gateway. These are the legacy protocol's
// historical names and are part of the compatibility contract with consumers.
const (
	DeviceTypeGateway        = "PVS"
	DeviceTypeInverter       = "Inverter"
	DeviceTypeMeter          = "Power Meter"
	DeviceTypeESS            = "Energy Storage System"
	DeviceTypeBattery        = "ESS BMS"
	DeviceTypeHubPlus        = "HUB+"
	DeviceTypeTransferSwitch = "Transfer Switch"
)

// MeterSubtypeConsumption is the TYPE suffix marking a power meter as the
// site consumption CT (e.g. "PVS5-METER-C"); production CTs end in -P.
const MeterSubtypeConsumption = "-C"

// Device states as reported by the gateway.
const (
	StateWorking = "working"
	StateError   = "error"
	StateUnknown = "unknown"
)

// MaxSerialLength is the corruption guard for device serials. Multi-module
// battery serials concatenate a hub id with per-module suffixes and can
// exceed 70 characters, so the limit is generous.
const MaxSerialLength = 150

// Canonical measurement field names (legacy protocol shape). Both protocol
// clients produce records keyed by these names.
const (
	FieldPower          = "p_3phsum_kw"
	FieldCurrent        = "i_3phsum_a"
	FieldVoltage        = "vln_3phavg_v"
	FieldFrequency      = "freq_hz"
	FieldTemperature    = "t_htsnk_degc"
	FieldLifetimeEnergy = "ltea_3phsum_kwh"

	FieldMPPTPower   = "p_mppt1_kw"
	FieldMPPTVoltage = "v_mppt1_v"
	FieldMPPTCurrent = "i_mppt1_a"

	FieldMeterNetLifetime = "net_ltea_3phsum_kwh"
	FieldMeterToGrid      = "neg_ltea_3phsum_kwh"
	FieldMeterToHome      = "pos_ltea_3phsum_kwh"
	FieldMeterCurrent     = "i_a"
	FieldMeterSupplyVolts = "v12_v"
	FieldMeterLeg1Power   = "p1_kw"
	FieldMeterLeg2Power   = "p2_kw"
	FieldMeterLeg1Amps    = "i1_a"
	FieldMeterLeg2Amps    = "i2_a"
	FieldMeterLeg1Volts   = "v1n_v"
	FieldMeterLeg2Volts   = "v2n_v"
	FieldMeterReactive    = "q_3phsum_kvar"
	FieldMeterApparent    = "s_3phsum_kva"
	FieldMeterPowerFactor = "tot_pf_rto"

	FieldBatteryAmps    = "battery_amperage"
	FieldBatteryVolts   = "battery_voltage"
	FieldBatteryTemp    = "temperature"
	FieldCustomerSOC    = "customer_state_of_charge"
	FieldSystemSOC      = "system_state_of_charge"
	FieldESSPower       = "agg_power"
	FieldESSTemperature = "enclosure_temperature"
	FieldESSHumidity    = "enclosure_humidity"

	FieldGatewayUptime        = "dl_uptime"
	FieldGatewayCPULoad       = "dl_cpu_load"
	FieldGatewayMemUsed       = "dl_mem_used"
	FieldGatewayFlashAvail    = "dl_flash_avail"
	FieldGatewayErrCount      = "dl_err_count"
	FieldGatewayCommErr       = "dl_comm_err"
	FieldGatewaySkippedScans  = "dl_skipped_scans"
	FieldGatewayScanTime      = "dl_scan_time"
	FieldGatewayUntransmitted = "dl_untransmitted"
)

// DeviceRecord represents one physical or virtual device in a snapshot.
// Fields holds measurement values keyed by the canonical legacy field names;
// values are float64 for numeric readings and string for the rest.
type DeviceRecord struct {
	Type       string                 `json:"device_type"`
	Subtype    string                 `json:"subtype,omitempty"`
	Serial     string                 `json:"serial"`
	State      string                 `json:"state"`
	Model      string                 `json:"model,omitempty"`
	Descr      string                 `json:"descr,omitempty"`
	SWVersion  string                 `json:"swver,omitempty"`
	HWVersion  string                 `json:"hwver,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	MeasuredAt time.Time              `json:"measured_at"`
}

// Validate checks the record against the corruption guards. Records failing
// validation are dropped from the snapshot, not fatal to the cycle.
func (d *DeviceRecord) Validate() error {
	if d.Serial == "" {
		return fmt.Errorf("device record has empty serial")
	}
	if len(d.Serial) > MaxSerialLength {
		return fmt.Errorf("serial length %d exceeds %d characters", len(d.Serial), MaxSerialLength)
	}
	if d.Type == "" {
		return fmt.Errorf("device %s has empty device type", d.Serial)
	}
	return nil
}

// Healthy reports whether the device itself claims to be working.
func (d *DeviceRecord) Healthy() bool {
	return d.State == StateWorking
}

// IsConsumptionMeter reports whether the record is a power meter whose CT
// measures site consumption. The synthesized production meter and physical
// production CTs carry the -P subtype and must not match.
func (d *DeviceRecord) IsConsumptionMeter() bool {
	return d.Type == DeviceTypeMeter && strings.HasSuffix(d.Subtype, MeterSubtypeConsumption)
}

// Float returns a numeric field value, tolerating the string-encoded numbers
// the legacy protocol emits.
func (d *DeviceRecord) Float(field string) (float64, bool) {
	v, ok := d.Fields[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Clone returns a deep copy of the record.
func (d *DeviceRecord) Clone() DeviceRecord {
	out := *d
	if d.Fields != nil {
		out.Fields = make(map[string]interface{}, len(d.Fields))
		for k, v := range d.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Protocol identifies which gateway interface served a cycle.
type Protocol int

const (
	ProtocolLegacy Protocol = iota
	ProtocolLocalAPI
)

// String returns the string representation of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolLegacy:
		return "legacy"
	case ProtocolLocalAPI:
		return "localapi"
	default:
		return "unknown"
	}
}

// SnapshotSource tags how a snapshot was produced.
type SnapshotSource int

const (
	SourceFresh SnapshotSource = iota
	SourceCached
	SourceSanitizedCache
)

// String returns the string representation of the snapshot source.
func (s SnapshotSource) String() string {
	switch s {
	case SourceFresh:
		return "fresh"
	case SourceCached:
		return "cached"
	case SourceSanitizedCache:
		return "sanitized_cache"
	default:
		return "unknown"
	}
}

// Snapshot is the atomic result of one poll cycle. A snapshot is immutable
// once produced; the coordinator always builds a new one rather than
// mutating a previously returned snapshot.
type Snapshot struct {
	Devices   []DeviceRecord `json:"devices"`
	FetchedAt time.Time      `json:"fetched_at"`
	Source    SnapshotSource `json:"source"`
	Protocol  Protocol       `json:"protocol"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Devices:   make([]DeviceRecord, 0, len(s.Devices)),
		FetchedAt: s.FetchedAt,
		Source:    s.Source,
		Protocol:  s.Protocol,
	}
	for i := range s.Devices {
		out.Devices = append(out.Devices, s.Devices[i].Clone())
	}
	return out
}

// Device returns the record with the given serial, if present.
func (s *Snapshot) Device(serial string) (*DeviceRecord, bool) {
	for i := range s.Devices {
		if s.Devices[i].Serial == serial {
			return &s.Devices[i], true
		}
	}
	return nil, false
}

// ByType returns all records of the given device type.
func (s *Snapshot) ByType(deviceType string) []DeviceRecord {
	var out []DeviceRecord
	for i := range s.Devices {
		if s.Devices[i].Type == deviceType {
			out = append(out, s.Devices[i])
		}
	}
	return out
}

// HasStorage reports whether the snapshot contains any energy-storage device.
func (s *Snapshot) HasStorage() bool {
	for i := range s.Devices {
		switch s.Devices[i].Type {
		case DeviceTypeESS, DeviceTypeBattery, DeviceTypeHubPlus, DeviceTypeTransferSwitch:
			return true
		}
	}
	return false
}

// PollStatus classifies the outcome of a poll cycle.
type PollStatus int

const (
	// PollFresh means the cycle fetched new data from the gateway.
	PollFresh PollStatus = iota
	// PollDegraded means the cycle served cached (possibly sanitized) data.
	PollDegraded
	// PollUnavailable means no data exists at all, fresh or cached.
	PollUnavailable
)

// String returns the string representation of the poll status.
func (p PollStatus) String() string {
	switch p {
	case PollFresh:
		return "fresh"
	case PollDegraded:
		return "degraded"
	case PollUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// PollResult is the tagged outcome of one poll cycle. Callers branch on
// Status rather than catching errors: a degraded cycle still carries a
// usable snapshot, an unavailable one carries none.
type PollResult struct {
	Status   PollStatus
	Snapshot *Snapshot
	Reason   string
}

// Event types emitted by the coordinator for the notification collaborator.
const (
	EventNewDevices        = "new_devices_discovered"
	EventPersistentFailure = "persistent_failure_detected"
	EventFailureRecovered  = "failure_recovered"
	EventReauthenticated   = "reauthenticated"
	EventProtocolFallback  = "protocol_fallback_engaged"
)

// Event is a discrete occurrence consumed by the notification collaborator.
// Formatting and delivery channels are the consumer's concern.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Serials []string  `json:"serials,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// NewEvent creates an event with a unique id and the current time.
func NewEvent(eventType string, serials []string, detail string) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Time:    time.Now(),
		Serials: serials,
		Detail:  detail,
	}
}

// InventoryClient is the narrow contract both protocol clients implement.
type InventoryClient interface {
	// FetchInventory retrieves the current device inventory from the gateway.
	// Records returned are already in the canonical legacy field shape.
	FetchInventory(ctx context.Context) ([]DeviceRecord, error)

	// Protocol identifies which wire protocol this client speaks.
	Protocol() Protocol
}

// MessagePublisher defines the interface for publishing snapshots and events.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// MonitoringService defines the interface for posting production data to an
// external monitoring platform.
type MonitoringService interface {
	// Connect establishes a connection to the service
	Connect() error

	// Send uploads production data derived from a snapshot
	Send(ctx context.Context, snap *Snapshot) error

	// Close terminates the connection to the service
	Close() error
}
