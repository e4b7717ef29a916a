package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

// GatewaySimulator serves the HTTP surface of a PVS gateway so go-pvs can be
// exercised without hardware: the legacy device-list CGI, the supervisor info
// probe, the session login endpoints, and optionally the energy-storage
// status report.
type GatewaySimulator struct {
	addr        string
	serial      string
	build       int
	withStorage bool
	requireAuth bool
	verbose     bool

	startTime time.Time
	requests  atomic.Int64
	logins    atomic.Int64
	sessionID atomic.Int64
}

// NewGatewaySimulator creates a simulator for the given identity.
func NewGatewaySimulator(addr, serial string, build int, withStorage, requireAuth, verbose bool) *GatewaySimulator {
	return &GatewaySimulator{
		addr:        addr,
		serial:      serial,
		build:       build,
		withStorage: withStorage,
		requireAuth: requireAuth,
		verbose:     verbose,
		startTime:   time.Now(),
	}
}

// expectedAuthorization is the header value a real gateway accepts: the
// installer account with the last five characters of the serial, uppercased.
func (sim *GatewaySimulator) expectedAuthorization() string {
	password := strings.ToUpper(sim.serial[len(sim.serial)-5:])
	return "basic " + base64.StdEncoding.EncodeToString([]byte("ssm_owner:"+password))
}

func (sim *GatewaySimulator) handleAuth(w http.ResponseWriter, r *http.Request) {
	sim.requests.Add(1)

	if r.URL.RawQuery == "logout" {
		if sim.verbose {
			log.Printf("🔓 Session logout")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Header.Get("Authorization") != sim.expectedAuthorization() {
		if sim.verbose {
			log.Printf("❌ Login rejected (bad credential)")
		}
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	session := sim.sessionID.Add(1)
	sim.logins.Add(1)
	http.SetCookie(w, &http.Cookie{
		Name:  "session",
		Value: fmt.Sprintf("sim-%d", session),
		Path:  "/",
	})
	if sim.verbose {
		log.Printf("🔐 Session login #%d", session)
	}
	w.WriteHeader(http.StatusOK)
}

// authorized checks the session cookie on data endpoints when -auth is set.
func (sim *GatewaySimulator) authorized(r *http.Request) bool {
	if !sim.requireAuth {
		return true
	}
	cookie, err := r.Cookie("session")
	return err == nil && strings.HasPrefix(cookie.Value, "sim-")
}

func (sim *GatewaySimulator) handleCGI(w http.ResponseWriter, r *http.Request) {
	sim.requests.Add(1)

	if r.URL.Query().Get("Command") != "DeviceList" {
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	}
	if !sim.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	devices := sim.deviceList()
	if sim.verbose {
		log.Printf("📤 DeviceList served (%d devices)", len(devices))
	}
	writeJSON(w, map[string]interface{}{"devices": devices})
}

func (sim *GatewaySimulator) handleSupervisorInfo(w http.ResponseWriter, _ *http.Request) {
	sim.requests.Add(1)
	writeJSON(w, map[string]interface{}{
		"BUILD":  sim.build,
		"SERIAL": sim.serial,
		"MODEL":  "PV Supervisor PVS6",
		"SWVER":  fmt.Sprintf("2025.06, Build %d", sim.build),
	})
}

func (sim *GatewaySimulator) handleStorageStatus(w http.ResponseWriter, r *http.Request) {
	sim.requests.Add(1)

	if !sim.withStorage {
		http.Error(w, "no energy storage system", http.StatusNotFound)
		return
	}
	if !sim.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	soc := 55.0 + 40.0*sunCurve(time.Now())
	writeJSON(w, map[string]interface{}{
		"ess_report": map[string]interface{}{
			"battery_status": []map[string]interface{}{
				{
					"serial_number":            "BC10042WXYZ",
					"battery_amperage":         map[string]float64{"value": 12.4},
					"battery_voltage":          map[string]float64{"value": 52.1},
					"customer_state_of_charge": map[string]float64{"value": soc},
					"system_state_of_charge":   map[string]float64{"value": soc - 2.0},
					"temperature":              map[string]float64{"value": 28.5},
				},
			},
			"ess_status": []map[string]interface{}{
				{
					"serial_number":         "ESS0042WXYZ",
					"enclosure_humidity":    map[string]float64{"value": 31},
					"enclosure_temperature": map[string]float64{"value": 29.0},
					"ess_meter_reading": map[string]interface{}{
						"agg_power": map[string]float64{"value": -1.2},
					},
				},
			},
			"hub_plus_status": map[string]interface{}{
				"serial_number":               "HUB0042WXYZ",
				"contactor_position":          "CLOSED",
				"grid_frequency_state":        "METER_FREQ_IN_RANGE",
				"grid_phase1_voltage":         map[string]float64{"value": 121.3},
				"grid_phase2_voltage":         map[string]float64{"value": 121.1},
				"hub_temperature":             map[string]float64{"value": 26.9},
				"inverter_connection_voltage": map[string]float64{"value": 244.1},
			},
		},
	})
}

// deviceList builds a gateway, two inverters, and a consumption meter with
// readings that follow a day curve so repeated polls show movement.
func (sim *GatewaySimulator) deviceList() []map[string]string {
	now := time.Now().UTC()
	datatime := now.Format("2006,01,02,15,04,05")
	curve := sunCurve(now)

	uptime := int(time.Since(sim.startTime).Seconds())
	devices := []map[string]string{
		{
			"DEVICE_TYPE":  "PVS",
			"SERIAL":       sim.serial,
			"STATE":        "working",
			"STATEDESCR":   "Working",
			"MODEL":        "PV Supervisor PVS6",
			"SWVER":        fmt.Sprintf("2025.06, Build %d", sim.build),
			"HWVER":        "6.02",
			"DATATIME":     datatime,
			"dl_uptime":    fmt.Sprintf("%d", uptime),
			"dl_cpu_load":  "0.4",
			"dl_mem_used":  "34859",
			"dl_comm_err":  "0",
			"dl_scan_time": "912",
		},
		{
			"DEVICE_TYPE":         "Power Meter",
			"SERIAL":              sim.serial + "c",
			"STATE":               "working",
			"STATEDESCR":          "Working",
			"MODEL":               "PVS6M0400c",
			"TYPE":                "PVS5-METER-C",
			"DATATIME":            datatime,
			"p_3phsum_kw":         fmt.Sprintf("%.4f", 0.8+1.1*curve),
			"net_ltea_3phsum_kwh": "1204.118",
			"freq_hz":             "60.0",
		},
	}

	for i, serial := range []string{"E00121939000001", "E00121939000002"} {
		power := curve * (2.4 - 0.2*float64(i))
		devices = append(devices, map[string]string{
			"DEVICE_TYPE":     "Inverter",
			"SERIAL":          serial,
			"STATE":           "working",
			"STATEDESCR":      "Working",
			"MODEL":           "AC_Module_Type_E",
			"TYPE":            "SOLARBRIDGE",
			"DATATIME":        datatime,
			"p_3phsum_kw":     fmt.Sprintf("%.4f", power),
			"p_mppt1_kw":      fmt.Sprintf("%.4f", power*1.02),
			"v_mppt1_v":       "54.3",
			"i_mppt1_a":       fmt.Sprintf("%.4f", power*1.02*1000/54.3),
			"ltea_3phsum_kwh": fmt.Sprintf("%.4f", 3410.5+float64(i)*112.2),
			"vln_3phavg_v":    "242.1",
			"i_3phsum_a":      fmt.Sprintf("%.4f", power/0.2421),
			"freq_hz":         "60.0",
			"t_htsnk_degc":    fmt.Sprintf("%.1f", 24.0+18.0*curve),
		})
	}

	return devices
}

// sunCurve maps the hour of day onto 0..1, peaking at solar noon.
func sunCurve(now time.Time) float64 {
	hour := float64(now.Hour()) + float64(now.Minute())/60.0
	if hour < 6 || hour > 20 {
		return 0
	}
	return math.Sin((hour - 6) / 14 * math.Pi)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("❌ Failed to encode response: %v", err)
	}
}

// Run serves the simulated gateway until the context is cancelled.
func (sim *GatewaySimulator) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", sim.handleAuth)
	mux.HandleFunc("/cgi-bin/dl_cgi", sim.handleCGI)
	mux.HandleFunc("/cgi-bin/dl_cgi/supervisor/info", sim.handleSupervisorInfo)
	mux.HandleFunc("/cgi-bin/dl_cgi/energy-storage-system/status", sim.handleStorageStatus)

	server := &http.Server{
		Addr:              sim.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Printf("🏠 Gateway simulator listening on %s", sim.addr)
		log.Printf("   Serial: %s", sim.serial)
		log.Printf("   Build: %d", sim.build)
		log.Printf("   Storage: %v", sim.withStorage)
		log.Printf("   Auth required: %v", sim.requireAuth)
		log.Printf("Press Ctrl+C to stop...")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Printf("🛑 Gateway simulator stopped")
	log.Printf("   Requests served: %d", sim.requests.Load())
	log.Printf("   Logins: %d", sim.logins.Load())
	return nil
}

func main() {
	var (
		addr        = flag.String("addr", "localhost:8443", "Listen address (host:port)")
		serial      = flag.String("serial", "ZT190485000549A8888", "Gateway serial number")
		build       = flag.Int("build", 61840, "Reported firmware build number")
		withStorage = flag.Bool("storage", false, "Report an energy storage system")
		requireAuth = flag.Bool("auth", false, "Require a session cookie on data endpoints")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
		help        = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		fmt.Printf("PVS Gateway Simulator for go-pvs\n\n")
		fmt.Printf("This tool serves the HTTP endpoints of a PVS gateway with synthetic\n")
		fmt.Printf("readings that follow a day curve, for testing go-pvs without hardware.\n\n")
		fmt.Printf("Usage:\n")
		flag.PrintDefaults()
		fmt.Printf("\nExample:\n")
		fmt.Printf("  %s -addr localhost:8443 -build 61840 -storage -auth -verbose\n", os.Args[0])
		fmt.Printf("  %s -addr 0.0.0.0:80 -build 61100\n", os.Args[0])
		fmt.Printf("\nPoint go-pvs at the simulator with GOPVS_GATEWAY_HOST=<addr>.\n")
		os.Exit(0)
	}

	if _, _, err := net.SplitHostPort(*addr); err != nil {
		log.Fatalf("❌ Invalid listen address '%s': %v", *addr, err)
	}
	if len(*serial) < 5 {
		log.Fatalf("❌ Serial '%s' is too short to derive a session credential", *serial)
	}

	sim := NewGatewaySimulator(*addr, *serial, *build, *withStorage, *requireAuth, *verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("\n⚠️  Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := sim.Run(ctx); err != nil {
		log.Fatalf("❌ Simulator error: %v", err)
	}
}
