// Package registry tracks the fixed roster of strategy instance slots and
// enforces (account, instrument) uniqueness across connected instances.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"topstep-gateway/internal/logging"
)

var (
	ErrUnknownSlot      = errors.New("unknown instance slot")
	ErrSlotConnected    = errors.New("slot already connected")
	ErrPairClaimed      = errors.New("account and instrument already claimed")
	ErrSlotNotConnected = errors.New("slot not connected")
)

// Slot is one instance slot in the roster. Identity (the slot id) is fixed;
// the rest is cleared on deregistration.
type Slot struct {
	SlotID     string    `json:"slotId"`
	Connected  bool      `json:"connected"`
	LastSeen   time.Time `json:"lastSeen,omitempty"`
	AccountID  int64     `json:"accountId,omitempty"`
	Instrument string    `json:"instrument,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
}

// Registration is an inbound REGISTER_INSTANCE request
type Registration struct {
	SlotID     string `json:"instanceId"`
	AccountID  int64  `json:"accountId"`
	Instrument string `json:"instrument"`
	Strategy   string `json:"strategy"`
}

// Registry is the fixed slot roster
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*Slot
	log   *logging.Logger
}

// New creates a registry with slots BOT_1..BOT_n
func New(slotCount int, log *logging.Logger) *Registry {
	if slotCount <= 0 {
		slotCount = 6
	}
	slots := make(map[string]*Slot, slotCount)
	for i := 1; i <= slotCount; i++ {
		id := fmt.Sprintf("BOT_%d", i)
		slots[id] = &Slot{SlotID: id}
	}
	return &Registry{
		slots: slots,
		log:   log.WithComponent("registry"),
	}
}

// ValidateRegistration checks a registration without applying it
func (r *Registry) ValidateRegistration(reg Registration) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validateLocked(reg)
}

func (r *Registry) validateLocked(reg Registration) error {
	slot, ok := r.slots[reg.SlotID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, reg.SlotID)
	}
	if slot.Connected {
		return fmt.Errorf("%w: %s", ErrSlotConnected, reg.SlotID)
	}
	for _, other := range r.slots {
		if other.Connected && other.AccountID == reg.AccountID && other.Instrument == reg.Instrument {
			return fmt.Errorf("%w: account %d instrument %s held by %s",
				ErrPairClaimed, reg.AccountID, reg.Instrument, other.SlotID)
		}
	}
	return nil
}

// Register validates and claims a slot
func (r *Registry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateLocked(reg); err != nil {
		return err
	}

	slot := r.slots[reg.SlotID]
	slot.Connected = true
	slot.LastSeen = time.Now()
	slot.AccountID = reg.AccountID
	slot.Instrument = reg.Instrument
	slot.Strategy = reg.Strategy

	r.log.Info("instance registered", "slot", reg.SlotID, "account", reg.AccountID,
		"instrument", reg.Instrument, "strategy", reg.Strategy)
	return nil
}

// Deregister releases a slot's claim while preserving the slot identity
func (r *Registry) Deregister(slotID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[slotID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
	}
	if !slot.Connected {
		return fmt.Errorf("%w: %s", ErrSlotNotConnected, slotID)
	}

	instrument := slot.Instrument
	slot.Connected = false
	slot.AccountID = 0
	slot.Instrument = ""
	slot.Strategy = ""

	r.log.Info("instance deregistered", "slot", slotID, "instrument", instrument)
	return nil
}

// Touch records activity for a connected slot
func (r *Registry) Touch(slotID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.slots[slotID]; ok && slot.Connected {
		slot.LastSeen = time.Now()
	}
}

// Get returns a copy of a slot
func (r *Registry) Get(slotID string) (Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[slotID]
	if !ok {
		return Slot{}, false
	}
	return *slot, true
}

// Snapshot returns copies of all slots, ordered by slot id
func (r *Registry) Snapshot() []Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Slot, 0, len(r.slots))
	for _, slot := range r.slots {
		out = append(out, *slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out
}

// ConnectedInstruments returns the distinct instruments claimed by connected
// slots, used to build the market-hub subscription set
func (r *Registry) ConnectedInstruments() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, slot := range r.slots {
		if slot.Connected && slot.Instrument != "" && !seen[slot.Instrument] {
			seen[slot.Instrument] = true
			out = append(out, slot.Instrument)
		}
	}
	sort.Strings(out)
	return out
}

// ConnectedAccounts returns the distinct accounts claimed by connected slots
func (r *Registry) ConnectedAccounts() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int64]bool)
	var out []int64
	for _, slot := range r.slots {
		if slot.Connected && slot.AccountID != 0 && !seen[slot.AccountID] {
			seen[slot.AccountID] = true
			out = append(out, slot.AccountID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InstrumentSubscriberCount counts connected slots using an instrument.
// Deregistration unsubscribes market data only when this drops to zero.
func (r *Registry) InstrumentSubscriberCount(instrument string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, slot := range r.slots {
		if slot.Connected && slot.Instrument == instrument {
			n++
		}
	}
	return n
}
