// Package efivar persists loader settings in EFI variables. Every knob the
// loader consults lives here behind a typed accessor with a documented
// default, so callers never see raw variable plumbing.
package efivar

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	efi "github.com/canonical/go-efilib"
)

var (
	// LoaderGUID is the gummiboot-compatible vendor namespace for
	// loader-owned variables (LoaderEntryOneShot and friends).
	LoaderGUID = efi.MakeGUID(0x4a67b082, 0x0a4c, 0x41cf, 0xb6c7, [...]uint8{0x44, 0x0b, 0x29, 0xbb, 0x8c, 0x4f})

	// FastbootGUID is the vendor namespace for fastboot/OS-shared state
	// (lock state, watchdog bookkeeping, charge policy).
	FastbootGUID = efi.MakeGUID(0x1ac80a82, 0x4f0c, 0x456b, 0x9a99, [...]uint8{0xde, 0xbe, 0xb4, 0x31, 0xfc, 0xc1})
)

// ErrNotFound reports that a variable is absent. Accessors with defaults
// swallow it; callers that need to distinguish absence check for it.
var ErrNotFound = errors.New("efivar: variable not found")

// Store reads and writes raw variables in one vendor namespace pair.
// The production implementation is SystemStore; tests use MemStore.
type Store interface {
	Get(guid efi.GUID, name string) ([]byte, error)
	Set(guid efi.GUID, name string, data []byte) error
	Delete(guid efi.GUID, name string) error
}

// SystemStore accesses the platform variable store through efivarfs.
type SystemStore struct{}

const defaultAttrs = efi.AttributeNonVolatile | efi.AttributeBootserviceAccess | efi.AttributeRuntimeAccess

func (SystemStore) varContext() context.Context {
	return efi.WithDefaultVarsBackend(context.Background())
}

func (s SystemStore) Get(guid efi.GUID, name string) ([]byte, error) {
	data, _, err := efi.ReadVariable(s.varContext(), name, guid)
	switch {
	case errors.Is(err, efi.ErrVarNotExist):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("efivar: read %s: %w", name, err)
	}
	return data, nil
}

func (s SystemStore) Set(guid efi.GUID, name string, data []byte) error {
	if err := efi.WriteVariable(s.varContext(), name, guid, defaultAttrs, data); err != nil {
		return fmt.Errorf("efivar: write %s: %w", name, err)
	}
	return nil
}

func (s SystemStore) Delete(guid efi.GUID, name string) error {
	// a zero-length write removes the variable
	err := efi.WriteVariable(s.varContext(), name, guid, defaultAttrs, nil)
	if err != nil && !errors.Is(err, efi.ErrVarNotExist) {
		return fmt.Errorf("efivar: delete %s: %w", name, err)
	}
	return nil
}

// Vars wraps a Store with typed accessors. Boolean reads are memoized;
// writes update the cache so a read-after-write never observes stale state.
type Vars struct {
	store Store
	bools map[varKey]bool
}

// varKey identifies a variable by namespace and name: the same name may
// exist under both vendor GUIDs.
type varKey struct {
	guid efi.GUID
	name string
}

func New(store Store) *Vars {
	return &Vars{
		store: store,
		bools: make(map[varKey]bool),
	}
}

// Bool reads a boolean variable, defaulting to def when absent or
// malformed. Results are cached per variable.
func (v *Vars) Bool(guid efi.GUID, name string, def bool) bool {
	key := varKey{guid, name}
	if b, ok := v.bools[key]; ok {
		return b
	}

	b := def
	if data, err := v.store.Get(guid, name); err == nil && len(data) > 0 {
		b = data[0] == '1'
	}

	v.bools[key] = b
	return b
}

// SetBool writes a boolean variable and updates the cache.
func (v *Vars) SetBool(guid efi.GUID, name string, val bool) error {
	data := []byte("0\x00")
	if val {
		data = []byte("1\x00")
	}

	if err := v.store.Set(guid, name, data); err != nil {
		return err
	}

	v.bools[varKey{guid, name}] = val
	return nil
}

// Byte reads a one-byte variable, defaulting to def when absent.
func (v *Vars) Byte(guid efi.GUID, name string, def uint8) uint8 {
	data, err := v.store.Get(guid, name)
	if err != nil || len(data) < 1 {
		return def
	}
	return data[0]
}

func (v *Vars) SetByte(guid efi.GUID, name string, val uint8) error {
	return v.store.Set(guid, name, []byte{val})
}

// String reads an ASCII string variable. A trailing NUL is stripped.
// Absence returns "".
func (v *Vars) String(guid efi.GUID, name string) string {
	data, err := v.store.Get(guid, name)
	if err != nil {
		return ""
	}

	for i, c := range data {
		if c == 0 {
			data = data[:i]
			break
		}
	}

	return string(data)
}

func (v *Vars) SetString(guid efi.GUID, name, val string) error {
	return v.store.Set(guid, name, append([]byte(val), 0))
}

// Uint64 reads a little-endian 64-bit variable, defaulting to def.
func (v *Vars) Uint64(guid efi.GUID, name string, def uint64) uint64 {
	data, err := v.store.Get(guid, name)
	if err != nil || len(data) != 8 {
		return def
	}
	return binary.LittleEndian.Uint64(data)
}

func (v *Vars) SetUint64(guid efi.GUID, name string, val uint64) error {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], val)
	return v.store.Set(guid, name, data[:])
}

// Time reads a timestamp variable stored as Unix seconds.
func (v *Vars) Time(guid efi.GUID, name string) (time.Time, error) {
	data, err := v.store.Get(guid, name)
	if err != nil {
		return time.Time{}, err
	}
	if len(data) != 8 {
		return time.Time{}, fmt.Errorf("efivar: %s: bad timestamp length %d", name, len(data))
	}
	return time.Unix(int64(binary.LittleEndian.Uint64(data)), 0), nil
}

func (v *Vars) SetTime(guid efi.GUID, name string, t time.Time) error {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], uint64(t.Unix()))
	return v.store.Set(guid, name, data[:])
}

// Bytes reads a raw variable.
func (v *Vars) Bytes(guid efi.GUID, name string) ([]byte, error) {
	return v.store.Get(guid, name)
}

func (v *Vars) SetBytes(guid efi.GUID, name string, data []byte) error {
	return v.store.Set(guid, name, data)
}

// Delete removes a variable and drops any cached value for it.
func (v *Vars) Delete(guid efi.GUID, name string) error {
	delete(v.bools, varKey{guid, name})
	return v.store.Delete(guid, name)
}
