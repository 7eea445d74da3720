package efivar_test

import (
	"testing"
	"time"

	"github.com/osboot/flinger/efivar"
)

func TestBoolDefaults(t *testing.T) {
	v := efivar.New(efivar.NewMemStore())

	if !v.OffModeCharge() {
		t.Error("OffModeCharge should default to true")
	}

	if !v.CrashEventMenu() {
		t.Error("CrashEventMenu should default to true")
	}

	if v.DisableWatchdog() {
		t.Error("DisableWatchdog should default to false")
	}

	if v.DeviceUnlocked() {
		t.Error("DeviceUnlocked should default to false")
	}
}

func TestBoolCacheInvalidatedOnWrite(t *testing.T) {
	store := efivar.NewMemStore()
	v := efivar.New(store)

	// prime the cache with the default
	if !v.OffModeCharge() {
		t.Fatal("expected default true")
	}

	if err := v.SetOffModeCharge(false); err != nil {
		t.Fatal(err)
	}

	if v.OffModeCharge() {
		t.Error("read-after-write observed stale cached value")
	}
}

func TestWatchdogStatusRoundTrip(t *testing.T) {
	v := efivar.New(efivar.NewMemStore())

	ref := time.Unix(1700000000, 0)
	if err := v.SetWatchdogCounter(3); err != nil {
		t.Fatal(err)
	}
	if err := v.SetWatchdogTimeReference(ref); err != nil {
		t.Fatal(err)
	}

	counter, got := v.WatchdogStatus()
	if counter != 3 {
		t.Errorf("counter = %d, want 3", counter)
	}
	if !got.Equal(ref) {
		t.Errorf("ref = %v, want %v", got, ref)
	}

	if err := v.ResetWatchdogStatus(); err != nil {
		t.Fatal(err)
	}

	counter, got = v.WatchdogStatus()
	if counter != 0 || !got.IsZero() {
		t.Errorf("after reset: counter = %d, ref = %v", counter, got)
	}
}

func TestWatchdogCounterMaxDefault(t *testing.T) {
	v := efivar.New(efivar.NewMemStore())
	if got := v.WatchdogCounterMax(); got != 2 {
		t.Errorf("WatchdogCounterMax = %d, want 2", got)
	}
}

func TestLoaderEntryOneShot(t *testing.T) {
	v := efivar.New(efivar.NewMemStore())

	if got := v.LoaderEntryOneShot(); got != "" {
		t.Errorf("absent one-shot = %q, want empty", got)
	}

	if err := v.SetLoaderEntryOneShot("recovery"); err != nil {
		t.Fatal(err)
	}

	if got := v.LoaderEntryOneShot(); got != "recovery" {
		t.Errorf("one-shot = %q, want recovery", got)
	}

	if err := v.DeleteLoaderEntryOneShot(); err != nil {
		t.Fatal(err)
	}

	if got := v.LoaderEntryOneShot(); got != "" {
		t.Errorf("one-shot survived delete: %q", got)
	}
}

func TestMagicKeyTimeout(t *testing.T) {
	store := efivar.NewMemStore()
	v := efivar.New(store)

	def := 200 * time.Millisecond
	max := time.Second

	if got := v.MagicKeyTimeout(def, max); got != def {
		t.Errorf("absent timeout = %v, want default %v", got, def)
	}

	if err := v.SetString(efivar.LoaderGUID, "MagicKeyTimeout", "500"); err != nil {
		t.Fatal(err)
	}
	if got := v.MagicKeyTimeout(def, max); got != 500*time.Millisecond {
		t.Errorf("timeout = %v, want 500ms", got)
	}

	// values over the cap are clamped, not discarded
	if err := v.SetString(efivar.LoaderGUID, "MagicKeyTimeout", "30000"); err != nil {
		t.Fatal(err)
	}
	if got := v.MagicKeyTimeout(def, max); got != max {
		t.Errorf("oversized timeout = %v, want cap %v", got, max)
	}

	// non-numeric values keep the default
	if err := v.SetString(efivar.LoaderGUID, "MagicKeyTimeout", "2s"); err != nil {
		t.Fatal(err)
	}
	if got := v.MagicKeyTimeout(def, max); got != def {
		t.Errorf("malformed timeout = %v, want default %v", got, def)
	}
}

func TestRollbackIndex(t *testing.T) {
	v := efivar.New(efivar.NewMemStore())

	if got := v.RollbackIndex(1); got != 0 {
		t.Errorf("absent rollback index = %d, want 0", got)
	}

	if err := v.SetRollbackIndex(1, 42); err != nil {
		t.Fatal(err)
	}

	if got := v.RollbackIndex(1); got != 42 {
		t.Errorf("rollback index = %d, want 42", got)
	}
}

func TestLoadedSlot(t *testing.T) {
	v := efivar.New(efivar.NewMemStore())

	if _, err := v.LoadedSlot(); err == nil {
		t.Error("absent LoadedSlot should return an error")
	}

	if err := v.SetLoadedSlot(1); err != nil {
		t.Fatal(err)
	}

	slot, err := v.LoadedSlot()
	if err != nil {
		t.Fatal(err)
	}
	if slot != 1 {
		t.Errorf("slot = %d, want 1", slot)
	}
}

func TestBoolCacheSeparatesNamespaces(t *testing.T) {
	v := efivar.New(efivar.NewMemStore())
	const name = "SameName"

	if err := v.SetBool(efivar.LoaderGUID, name, true); err != nil {
		t.Fatal(err)
	}
	if err := v.SetBool(efivar.FastbootGUID, name, false); err != nil {
		t.Fatal(err)
	}

	if !v.Bool(efivar.LoaderGUID, name, false) {
		t.Error("loader-namespace value lost")
	}
	if v.Bool(efivar.FastbootGUID, name, true) {
		t.Error("fastboot-namespace value aliased with the loader one")
	}

	// deleting under one GUID must not drop the other's cache entry
	if err := v.Delete(efivar.FastbootGUID, name); err != nil {
		t.Fatal(err)
	}
	if !v.Bool(efivar.LoaderGUID, name, false) {
		t.Error("delete under one namespace evicted the other")
	}
}
