package efivar

import (
	"fmt"
	"time"
)

// Variable names. The loader GUID holds gummiboot-compatible entries;
// everything else lives under the fastboot GUID.
const (
	offModeCharge  = "off-mode-charge"
	oemLock        = "OEMLock"
	crashEventMenu = "CrashEventMenu"
	wdtCounter     = "WatchdogCounter"
	wdtCounterMax  = "WatchdogCounterMax"
	wdtTimeRef     = "WatchdogTimeReference"
	disableWdt     = "DisableWatchdog"
	updateOemVars  = "UpdateOemVars"
	rebootReason   = "LoaderEntryRebootReason"
	loaderOneShot  = "LoaderEntryOneShot"
	loadedSlot     = "LoadedSlot"
	bootState      = "BootState"
	magicKeyWait   = "MagicKeyTimeout"

	cmdlineReplace = "CmdlineReplace"
	cmdlineAppend  = "CmdlineAppend"
	cmdlinePrepend = "CmdlinePrepend"

	loadedSlotFailedFmt = "LoadedSlotFailed_%04x"
	rollbackIndexFmt    = "RollbackIndex_%04x"
)

const (
	// defaultWatchdogCounterMax is the number of consecutive
	// watchdog/panic resets tolerated before the crash menu.
	defaultWatchdogCounterMax = 2

	oemLockUnlocked = 1 << 0
)

// OffModeCharge reports whether the device should charge (rather than
// boot) when powered with the OS off. Enabled unless explicitly cleared.
func (v *Vars) OffModeCharge() bool {
	return v.Bool(FastbootGUID, offModeCharge, true)
}

func (v *Vars) SetOffModeCharge(enabled bool) error {
	return v.SetBool(FastbootGUID, offModeCharge, enabled)
}

// CrashEventMenu reports whether repeated watchdog resets should surface
// the crash-event menu. Enabled unless explicitly cleared.
func (v *Vars) CrashEventMenu() bool {
	return v.Bool(FastbootGUID, crashEventMenu, true)
}

func (v *Vars) SetCrashEventMenu(enabled bool) error {
	return v.SetBool(FastbootGUID, crashEventMenu, enabled)
}

// DisableWatchdog reports whether the kernel watchdog should be disabled
// on the command line. Engineering knob, off by default.
func (v *Vars) DisableWatchdog() bool {
	return v.Bool(LoaderGUID, disableWdt, false)
}

// OEMVarsUpdate reports whether the next normal boot must re-apply the
// boot image's embedded OEM vars.
func (v *Vars) OEMVarsUpdate() bool {
	return v.Bool(FastbootGUID, updateOemVars, false)
}

func (v *Vars) SetOEMVarsUpdate(needed bool) error {
	return v.SetBool(FastbootGUID, updateOemVars, needed)
}

// DeviceUnlocked reports the device lock state from the OEMLock variable.
// Absent means locked.
func (v *Vars) DeviceUnlocked() bool {
	return v.Byte(FastbootGUID, oemLock, 0)&oemLockUnlocked != 0
}

func (v *Vars) SetDeviceUnlocked(unlocked bool) error {
	var state uint8
	if unlocked {
		state = oemLockUnlocked
	}
	return v.SetByte(FastbootGUID, oemLock, state)
}

// WatchdogStatus returns the persisted crash-loop counter and its time
// reference. An absent counter reads as zero with a zero reference.
func (v *Vars) WatchdogStatus() (counter uint8, ref time.Time) {
	counter = v.Byte(FastbootGUID, wdtCounter, 0)
	ref, _ = v.Time(FastbootGUID, wdtTimeRef)
	return counter, ref
}

// SetWatchdogCounter persists the crash-loop counter. The counter is
// written before any action depends on it so a reset mid-operation
// cannot lose the update.
func (v *Vars) SetWatchdogCounter(counter uint8) error {
	return v.SetByte(FastbootGUID, wdtCounter, counter)
}

func (v *Vars) SetWatchdogTimeReference(t time.Time) error {
	return v.SetTime(FastbootGUID, wdtTimeRef, t)
}

// ResetWatchdogStatus clears the counter and its time reference.
func (v *Vars) ResetWatchdogStatus() error {
	if err := v.SetWatchdogCounter(0); err != nil {
		return err
	}
	return v.Delete(FastbootGUID, wdtTimeRef)
}

// WatchdogCounterMax returns the configured crash-loop threshold.
func (v *Vars) WatchdogCounterMax() uint8 {
	return v.Byte(FastbootGUID, wdtCounterMax, defaultWatchdogCounterMax)
}

// CmdlineOverrides returns the engineering command line knobs: a full
// replacement for the image command line, plus extra text appended and
// prepended around it. All empty on production devices.
func (v *Vars) CmdlineOverrides() (replace, appendArgs, prependArgs string) {
	return v.String(LoaderGUID, cmdlineReplace),
		v.String(LoaderGUID, cmdlineAppend),
		v.String(LoaderGUID, cmdlinePrepend)
}

// RebootReason returns the reason string recorded by the OS before the
// last reboot, or "" when none was recorded.
func (v *Vars) RebootReason() string {
	return v.String(LoaderGUID, rebootReason)
}

func (v *Vars) SetRebootReason(reason string) error {
	return v.SetString(LoaderGUID, rebootReason, reason)
}

func (v *Vars) DeleteRebootReason() error {
	return v.Delete(LoaderGUID, rebootReason)
}

// LoaderEntryOneShot returns and does NOT clear the one-shot boot entry;
// consumption (read then delete) is the resolver's job so the delete
// happens even when the value is unusable.
func (v *Vars) LoaderEntryOneShot() string {
	return v.String(LoaderGUID, loaderOneShot)
}

func (v *Vars) SetLoaderEntryOneShot(target string) error {
	return v.SetString(LoaderGUID, loaderOneShot, target)
}

func (v *Vars) DeleteLoaderEntryOneShot() error {
	return v.Delete(LoaderGUID, loaderOneShot)
}

// LoadedSlot returns the slot index a previous loader stage committed to,
// or ErrNotFound when no stage recorded one.
func (v *Vars) LoadedSlot() (uint8, error) {
	data, err := v.store.Get(FastbootGUID, loadedSlot)
	if err != nil {
		return 0, err
	}
	if len(data) < 1 {
		return 0, ErrNotFound
	}
	return data[0], nil
}

func (v *Vars) SetLoadedSlot(slot uint8) error {
	return v.SetByte(FastbootGUID, loadedSlot, slot)
}

// LoadedSlotFailed reports whether a previous loader stage tried slot and
// failed. Absence means the stage never tried that slot.
func (v *Vars) LoadedSlotFailed(slot uint8) (bool, error) {
	data, err := v.store.Get(FastbootGUID, fmt.Sprintf(loadedSlotFailedFmt, slot))
	if err != nil {
		return false, err
	}
	return len(data) > 0 && data[0] != 0, nil
}

func (v *Vars) SetLoadedSlotFailed(slot uint8, failed bool) error {
	var b uint8
	if failed {
		b = 1
	}
	return v.SetByte(FastbootGUID, fmt.Sprintf(loadedSlotFailedFmt, slot), b)
}

// RollbackIndex returns the anti-rollback value for the given index slot.
func (v *Vars) RollbackIndex(location uint32) uint64 {
	return v.Uint64(FastbootGUID, fmt.Sprintf(rollbackIndexFmt, location), 0)
}

func (v *Vars) SetRollbackIndex(location uint32, value uint64) error {
	return v.SetUint64(FastbootGUID, fmt.Sprintf(rollbackIndexFmt, location), value)
}

// SetBootState records the verified-boot state for the OS to read back.
func (v *Vars) SetBootState(state uint8) error {
	return v.SetByte(FastbootGUID, bootState, state)
}

// MagicKeyTimeout returns the platform's magic-key detection window,
// capped at cap. def is used when the variable is absent or unusable.
func (v *Vars) MagicKeyTimeout(def, cap time.Duration) time.Duration {
	s := v.String(LoaderGUID, magicKeyWait)
	if s == "" {
		return def
	}

	var ms int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		ms = ms*10 + int64(c-'0')
	}

	d := time.Duration(ms) * time.Millisecond
	if d > cap {
		return cap
	}
	return d
}
