// Package tracker follows the device inventory across poll cycles: which
// serials have ever been seen, which are currently missing or errored, and
// when a bad condition has held long enough to count as genuine hardware
// failure rather than a transient.
package tracker

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sunwatch/go-pvs/internal/domain"
	"github.com/sunwatch/go-pvs/internal/store"
)

// EscalationWindow is how long a device must stay missing or errored before
// it is escalated as a persistent failure. Wall-clock duration, not poll
// count: polling cadence varies from seconds to an hour, so a count
// threshold would misfire across configurations.
const EscalationWindow = 24 * time.Hour

// State file names inside the store directory.
const (
	knownDevicesFile = "known_devices.json"
	failuresFile     = "failures.json"
)

// Entry is one serial's failure-tracking state. Entries are created on first
// sight of a device and never deleted; retired serials persist harmlessly.
type Entry struct {
	FirstBadAt          time.Time `json:"first_bad_at,omitempty"`
	ConsecutiveBadPolls int       `json:"consecutive_bad_polls"`
	Notified            bool      `json:"notified"`
}

// Update summarizes what one observed snapshot changed. Escalations are
// batched: every serial crossing the window in the same cycle lands in one
// update.
type Update struct {
	NewSerials []string
	Escalated  []string
	Recovered  []string
}

// Tracker owns the known-device set and the failure map. It is driven by a
// single poll cycle at a time; persistence happens at each observation.
type Tracker struct {
	store    *store.Store
	logger   zerolog.Logger
	known    map[string]bool
	failures map[string]*Entry
	now      func() time.Time
}

// New creates a tracker, restoring persisted state. Unreadable state files
// are discarded with a warning; the tracker then rebuilds from scratch.
func New(st *store.Store) *Tracker {
	t := &Tracker{
		store:    st,
		logger:   log.With().Str("component", "tracker").Logger(),
		known:    make(map[string]bool),
		failures: make(map[string]*Entry),
		now:      time.Now,
	}

	var serials []string
	if _, err := st.Load(knownDevicesFile, &serials); err != nil {
		t.logger.Warn().Err(err).Msg("Discarding unreadable known-device state")
	}
	for _, s := range serials {
		t.known[s] = true
	}

	if _, err := st.Load(failuresFile, &t.failures); err != nil {
		t.logger.Warn().Err(err).Msg("Discarding unreadable failure-tracking state")
		t.failures = make(map[string]*Entry)
	}

	return t
}

// Observe folds one fresh snapshot into the tracked state and reports what
// changed. Only fresh snapshots belong here: a cached snapshot restates old
// observations and must not advance failure clocks.
func (t *Tracker) Observe(snap *domain.Snapshot) Update {
	now := t.now()
	var update Update

	present := make(map[string]bool, len(snap.Devices))
	healthy := make(map[string]bool, len(snap.Devices))
	for i := range snap.Devices {
		rec := &snap.Devices[i]
		present[rec.Serial] = true
		if rec.Healthy() {
			healthy[rec.Serial] = true
		}
	}

	// The known set only grows.
	for serial := range present {
		if !t.known[serial] {
			t.known[serial] = true
			update.NewSerials = append(update.NewSerials, serial)
		}
		if _, ok := t.failures[serial]; !ok {
			t.failures[serial] = &Entry{}
		}
	}

	for serial := range t.known {
		entry := t.failures[serial]
		if entry == nil {
			entry = &Entry{}
			t.failures[serial] = entry
		}

		if healthy[serial] {
			if !entry.FirstBadAt.IsZero() {
				if entry.Notified {
					update.Recovered = append(update.Recovered, serial)
					t.logger.Info().Str("serial", serial).Msg("Device recovered from persistent failure")
				}
				entry.FirstBadAt = time.Time{}
				entry.ConsecutiveBadPolls = 0
				entry.Notified = false
			}
			continue
		}

		// Missing from the snapshot or present in a non-working state.
		if entry.FirstBadAt.IsZero() {
			entry.FirstBadAt = now
		}
		entry.ConsecutiveBadPolls++

		if !entry.Notified && now.Sub(entry.FirstBadAt) >= EscalationWindow {
			entry.Notified = true
			update.Escalated = append(update.Escalated, serial)
			t.logger.Warn().
				Str("serial", serial).
				Time("first_bad_at", entry.FirstBadAt).
				Int("bad_polls", entry.ConsecutiveBadPolls).
				Msg("Device escalated to persistent failure")
		}
	}

	sort.Strings(update.NewSerials)
	sort.Strings(update.Escalated)
	sort.Strings(update.Recovered)

	t.persist()
	return update
}

// KnownSerials returns the sorted known-device set.
func (t *Tracker) KnownSerials() []string {
	serials := make([]string, 0, len(t.known))
	for s := range t.known {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	return serials
}

// Failures returns a copy of the failure map for diagnostics.
func (t *Tracker) Failures() map[string]Entry {
	out := make(map[string]Entry, len(t.failures))
	for serial, entry := range t.failures {
		out[serial] = *entry
	}
	return out
}

func (t *Tracker) persist() {
	if err := t.store.Save(knownDevicesFile, t.KnownSerials()); err != nil {
		t.logger.Error().Err(err).Msg("Failed to persist known-device state")
	}
	if err := t.store.Save(failuresFile, t.failures); err != nil {
		t.logger.Error().Err(err).Msg("Failed to persist failure-tracking state")
	}
}
