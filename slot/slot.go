// Package slot tracks A/B slot state: which slot to boot, how many
// attempts it has left, and whether dm-verity reported corruption on it.
// The metadata lives in an EFI variable so it survives the OS reimaging
// the boot partitions.
package slot

import (
	"errors"
	"fmt"

	"github.com/osboot/flinger/efivar"
)

const (
	// NumSlots is fixed at two; the suffix scheme has no room for more.
	NumSlots = 2

	// MaxPriority is the highest slot priority. SetActive assigns it to
	// the chosen slot and demotes the other below it.
	MaxPriority = 15

	// MaxTries is the number of boot attempts a slot gets before it must
	// either succeed or be abandoned.
	MaxTries = 7
)

const (
	metadataVar  = "SlotMetadata"
	verityVar    = "VerityCorrupted"
	metadataSize = 1 + NumSlots*3
	metadataVer  = 1
)

var suffixes = [NumSlots]string{"_a", "_b"}

var ErrNoBootableSlot = errors.New("slot: no bootable slot")

// Manager is the slot bookkeeping surface the boot flow needs. The
// production implementation is Slots; tests substitute fakes.
type Manager interface {
	Suffixes() []string
	Active() (int, error)
	SetActive(index int) error
	MarkBootFailed() error
	MarkBootSuccessful() error
	Disable(index int) error
	SetVerityCorrupted(corrupted bool) error
	VerityCorrupted() bool
}

type slotInfo struct {
	priority   uint8
	tries      uint8
	successful bool
}

func (s slotInfo) bootable() bool {
	return s.priority > 0 && (s.successful || s.tries > 0)
}

// Slots stores slot metadata in the fastboot variable namespace.
type Slots struct {
	Vars *efivar.Vars
}

var _ Manager = (*Slots)(nil)

// Suffixes returns the slot suffixes in index order.
func (s *Slots) Suffixes() []string {
	return suffixes[:]
}

// Index returns the slot index for a suffix, or -1.
func Index(suffix string) int {
	for i, sfx := range suffixes {
		if sfx == suffix {
			return i
		}
	}
	return -1
}

// Suffix returns the suffix for a slot index.
func Suffix(index int) string {
	return suffixes[index]
}

func (s *Slots) load() ([NumSlots]slotInfo, error) {
	// fresh metadata: slot A preferred, both with full tries
	meta := [NumSlots]slotInfo{
		{priority: MaxPriority, tries: MaxTries},
		{priority: MaxPriority - 1, tries: MaxTries},
	}

	data, err := s.Vars.Bytes(efivar.FastbootGUID, metadataVar)
	if errors.Is(err, efivar.ErrNotFound) {
		return meta, nil
	}
	if err != nil {
		return meta, err
	}
	if len(data) != metadataSize || data[0] != metadataVer {
		// unknown layout, start over rather than misread it
		return meta, nil
	}

	for i := range meta {
		meta[i].priority = data[1+i*3]
		meta[i].tries = data[2+i*3]
		meta[i].successful = data[3+i*3] != 0
	}
	return meta, nil
}

func (s *Slots) store(meta [NumSlots]slotInfo) error {
	data := make([]byte, metadataSize)
	data[0] = metadataVer
	for i, info := range meta {
		data[1+i*3] = info.priority
		data[2+i*3] = info.tries
		if info.successful {
			data[3+i*3] = 1
		}
	}
	return s.Vars.SetBytes(efivar.FastbootGUID, metadataVar, data)
}

// Active returns the index of the slot to boot: the bootable slot with
// the highest priority. ErrNoBootableSlot means every slot is exhausted
// or disabled.
func (s *Slots) Active() (int, error) {
	meta, err := s.load()
	if err != nil {
		return 0, err
	}

	best, bestPriority := -1, uint8(0)
	for i, info := range meta {
		if info.bootable() && info.priority > bestPriority {
			best, bestPriority = i, info.priority
		}
	}
	if best < 0 {
		return 0, ErrNoBootableSlot
	}
	return best, nil
}

// SetActive makes the given slot the preferred one with a full set of
// tries, demoting the other slot below it.
func (s *Slots) SetActive(index int) error {
	if index < 0 || index >= NumSlots {
		return fmt.Errorf("slot: bad index %d", index)
	}

	meta, err := s.load()
	if err != nil {
		return err
	}

	meta[index] = slotInfo{priority: MaxPriority, tries: MaxTries}
	for i := range meta {
		if i != index && meta[i].priority >= MaxPriority {
			meta[i].priority = MaxPriority - 1
		}
	}
	return s.store(meta)
}

// MarkBootFailed burns one try on the active slot. A slot that runs out
// of tries without ever booting successfully is dropped to priority zero
// so the other slot takes over.
func (s *Slots) MarkBootFailed() error {
	meta, err := s.load()
	if err != nil {
		return err
	}

	active, err := s.Active()
	if err != nil {
		return err
	}

	info := &meta[active]
	if info.tries > 0 {
		info.tries--
	}
	if info.tries == 0 && !info.successful {
		info.priority = 0
	}
	return s.store(meta)
}

// MarkBootSuccessful records that the active slot booted to the OS; it
// no longer consumes tries.
func (s *Slots) MarkBootSuccessful() error {
	meta, err := s.load()
	if err != nil {
		return err
	}

	active, err := s.Active()
	if err != nil {
		return err
	}

	meta[active].successful = true
	meta[active].tries = 0
	return s.store(meta)
}

// Disable makes a slot unbootable until the OS reactivates it.
func (s *Slots) Disable(index int) error {
	if index < 0 || index >= NumSlots {
		return fmt.Errorf("slot: bad index %d", index)
	}

	meta, err := s.load()
	if err != nil {
		return err
	}

	meta[index] = slotInfo{}
	return s.store(meta)
}

// SetVerityCorrupted records that dm-verity reported corruption on the
// booted slot. The OS reads this back to decide on re-flash or factory
// reset; the loader only records it.
func (s *Slots) SetVerityCorrupted(corrupted bool) error {
	return s.Vars.SetBool(efivar.FastbootGUID, verityVar, corrupted)
}

func (s *Slots) VerityCorrupted() bool {
	return s.Vars.Bool(efivar.FastbootGUID, verityVar, false)
}
