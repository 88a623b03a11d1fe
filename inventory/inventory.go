// package inventory implements the user-maintained four-slot filament
// inventory: ACE_SET_SLOT, ACE_QUERY_SLOTS, and the persisted array
// backing them. It is distinct from the device-reported slot status
// cached by transport; the two are reconciled only when a
// caller asks for a combined report.
package inventory

import (
	"errors"
	"fmt"

	"github.com/xiami1988/ace-core/persist"
)

const numSlots = 4

const persistKey = "ace_inventory"

// Status is a user-inventory slot's occupancy state.
type Status string

const (
	Empty Status = "empty"
	Ready Status = "ready"
)

// Color is an RGB triple, each component 0..255.
type Color [3]int

// Slot is one inventory record.
type Slot struct {
	Status   Status `json:"status"`
	Color    Color  `json:"color"`
	Material string `json:"material"`
	Temp     int    `json:"temp"`
}

var ErrIndexRange = errors.New("inventory: index out of range")

// Store holds the four-slot inventory in memory and mirrors every
// mutation to the persistent variable store under key "ace_inventory".
type Store struct {
	kv    persist.KV
	slots [numSlots]Slot
}

// Open loads the inventory from kv, defaulting to four empty slots if
// nothing has been persisted yet (first run, or a store wiped between
// runs).
func Open(kv persist.KV) (*Store, error) {
	s := &Store{kv: kv}
	for i := range s.slots {
		s.slots[i] = Slot{Status: Empty, Color: Color{0, 0, 0}}
	}
	var loaded [numSlots]Slot
	ok, err := persist.GetInto(kv, persistKey, &loaded)
	if err != nil {
		return nil, fmt.Errorf("inventory: load: %w", err)
	}
	if ok {
		s.slots = loaded
	}
	return s, nil
}

// Slots returns a copy of the current four-slot inventory.
func (s *Store) Slots() [numSlots]Slot {
	return s.slots
}

// Slot returns a copy of slot index's record.
func (s *Store) Slot(index int) (Slot, error) {
	if index < 0 || index >= numSlots {
		return Slot{}, ErrIndexRange
	}
	return s.slots[index], nil
}

// SetEmpty clears slot index and persists the array.
func (s *Store) SetEmpty(index int) error {
	if index < 0 || index >= numSlots {
		return ErrIndexRange
	}
	s.slots[index] = Slot{Status: Empty, Color: Color{0, 0, 0}}
	return s.save()
}

// Set validates and writes a slot's material/color/temperature, then
// persists the array. material must be non-empty and temp must be
// positive, matching ACE_SET_SLOT's validation.
func (s *Store) Set(index int, color Color, material string, temp int) error {
	if index < 0 || index >= numSlots {
		return ErrIndexRange
	}
	if material == "" {
		return errors.New("inventory: material must be set")
	}
	if temp <= 0 {
		return errors.New("inventory: temp must be > 0")
	}
	s.slots[index] = Slot{
		Status:   Ready,
		Color:    color,
		Material: material,
		Temp:     temp,
	}
	return s.save()
}

// Save persists the current inventory explicitly, matching
// ACE_SAVE_INVENTORY. Set and SetEmpty already persist on every
// mutation; this exists for callers that want to force a write (or
// mirror the original plugin's manual save command).
func (s *Store) Save() error {
	return s.save()
}

func (s *Store) save() error {
	if err := s.kv.Set(persistKey, s.slots); err != nil {
		return fmt.Errorf("inventory: save: %w", err)
	}
	return nil
}
