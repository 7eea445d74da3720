package boot_test

import (
	"errors"
	"testing"
	"time"

	"github.com/osboot/flinger/bcb"
	"github.com/osboot/flinger/boot"
	"github.com/osboot/flinger/efivar"
	"github.com/osboot/flinger/slot"
)

// fakeClock drives the resolver's polling loops without real sleeps.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time        { return c.t }
func (c *fakeClock) Stall(d time.Duration) { c.t = c.t.Add(d) }

type fakeConsole struct {
	clock     *fakeClock
	downUntil time.Time
}

func (c *fakeConsole) MagicKeyDown() bool {
	return c.clock.t.Before(c.downUntil)
}

type fakePlatform struct {
	wake    boot.WakeSource
	reset   boot.ResetSource
	lowBatt bool
	charger bool
}

func (p *fakePlatform) WakeSource() boot.WakeSource   { return p.wake }
func (p *fakePlatform) ResetSource() boot.ResetSource { return p.reset }
func (p *fakePlatform) BatteryBelowThreshold() bool   { return p.lowBatt }
func (p *fakePlatform) ChargerConnected() bool        { return p.charger }

type fakeUI struct {
	crashMenuTarget boot.Target
	crashMenuCalls  int
	redCalls        int
	badRecovery     int
	lowBattery      int
}

func (u *fakeUI) CrashMenu() boot.Target {
	u.crashMenuCalls++
	return u.crashMenuTarget
}

func (u *fakeUI) WarnRedState(boot.Target) boot.Target {
	u.redCalls++
	return boot.PowerOff
}

func (u *fakeUI) WarnBadRecovery() boot.Target {
	u.badRecovery++
	return boot.PowerOff
}

func (u *fakeUI) LowBattery(time.Duration) { u.lowBattery++ }

type fakeDisk struct {
	files map[string][]byte
}

func (d *fakeDisk) Exists(path string) bool {
	_, ok := d.files[path]
	return ok
}

func (d *fakeDisk) ReadFile(path string) ([]byte, error) {
	data, ok := d.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (d *fakeDisk) Remove(path string) error {
	delete(d.files, path)
	return nil
}

type miscDevice struct {
	buf [bcb.MessageSize]byte
}

func (d *miscDevice) ReadAt(p []byte, off int64) (int, error)  { return copy(p, d.buf[off:]), nil }
func (d *miscDevice) WriteAt(p []byte, off int64) (int, error) { return copy(d.buf[off:], p), nil }

func newTestContext() (*boot.Context, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	vars := efivar.New(efivar.NewMemStore())

	return &boot.Context{
		Vars:     vars,
		BCB:      &bcb.Store{Device: &miscDevice{}},
		Slots:    &slot.Slots{Vars: vars},
		Disk:     &fakeDisk{files: map[string][]byte{}},
		Platform: &fakePlatform{},
		UI:       &fakeUI{},
		Args:     []string{"loader.efi"},
		Now:      clock.Now,
		Stall:    clock.Stall,
	}, clock
}

func mustChoose(t *testing.T, ctx *boot.Context) boot.Decision {
	t.Helper()
	d, err := boot.Choose(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestChooseDefaultsToNormal(t *testing.T) {
	ctx, _ := newTestContext()
	if d := mustChoose(t, ctx); d.Target != boot.Normal {
		t.Errorf("target = %s, want boot", d.Target)
	}
}

func TestChooseForceFastbootFlag(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Args = []string{"loader.efi", "-f"}

	if d := mustChoose(t, ctx); d.Target != boot.Fastboot {
		t.Errorf("target = %s, want bootloader", d.Target)
	}
}

func TestChooseLegacyAddressFlag(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Args = []string{"loader.efi", "-a", "0x1000"}

	if d := mustChoose(t, ctx); d.Target != boot.Fastboot {
		t.Errorf("target = %s, want bootloader", d.Target)
	}
}

func TestChooseRejectsUnknownArgument(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Args = []string{"loader.efi", "--frob"}

	if _, err := boot.Choose(ctx); !errors.Is(err, boot.ErrBadArgument) {
		t.Errorf("err = %v, want ErrBadArgument", err)
	}
}

func TestChooseSelfTestShell(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Args = []string{"loader.efi", "-U"}

	if d := mustChoose(t, ctx); d.Target != boot.ExitShell {
		t.Errorf("target = %s, want exit_shell", d.Target)
	}

	// production builds do not carry the self-test escape
	ctx.UserBuild = true
	if _, err := boot.Choose(ctx); !errors.Is(err, boot.ErrBadArgument) {
		t.Errorf("err = %v, want ErrBadArgument", err)
	}
}

func TestChooseInstallerSentinel(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Disk.(*fakeDisk).files[`\force_fastboot`] = nil

	if d := mustChoose(t, ctx); d.Target != boot.Fastboot {
		t.Errorf("target = %s, want bootloader", d.Target)
	}
}

func TestMagicKeyHeldFull(t *testing.T) {
	ctx, clock := newTestContext()
	ctx.Console = &fakeConsole{clock: clock, downUntil: clock.t.Add(3 * time.Second)}

	if d := mustChoose(t, ctx); d.Target != boot.Fastboot {
		t.Errorf("target = %s, want bootloader", d.Target)
	}
}

func TestMagicKeyShortPressIsBounce(t *testing.T) {
	ctx, clock := newTestContext()
	ctx.Console = &fakeConsole{clock: clock, downUntil: clock.t.Add(500 * time.Millisecond)}

	if d := mustChoose(t, ctx); d.Target != boot.Normal {
		t.Errorf("target = %s, want boot", d.Target)
	}
}

func TestMagicKeyNeverPressed(t *testing.T) {
	ctx, clock := newTestContext()
	ctx.Console = &fakeConsole{clock: clock, downUntil: clock.t}

	if d := mustChoose(t, ctx); d.Target != boot.Normal {
		t.Errorf("target = %s, want boot", d.Target)
	}
}

func TestWatchdogStreakBelowMax(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Platform.(*fakePlatform).reset = boot.ResetKernelWatchdog

	max := ctx.Vars.WatchdogCounterMax()
	if err := ctx.Vars.SetWatchdogCounter(max - 1); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Vars.SetWatchdogTimeReference(ctx.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	if d := mustChoose(t, ctx); d.Target != boot.Normal {
		t.Errorf("target = %s, want boot (streak not over max yet)", d.Target)
	}

	counter, _ := ctx.Vars.WatchdogStatus()
	if counter != max {
		t.Errorf("counter = %d, want %d", counter, max)
	}
}

func TestWatchdogStreakOverMaxInvokesMenu(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Platform.(*fakePlatform).reset = boot.ResetKernelWatchdog
	ctx.UI.(*fakeUI).crashMenuTarget = boot.Recovery

	if err := ctx.Vars.SetWatchdogCounter(ctx.Vars.WatchdogCounterMax()); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Vars.SetWatchdogTimeReference(ctx.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	d := mustChoose(t, ctx)
	if d.Target != boot.Recovery {
		t.Errorf("target = %s, want recovery from the crash menu", d.Target)
	}
	if ctx.UI.(*fakeUI).crashMenuCalls != 1 {
		t.Error("crash menu not invoked")
	}

	// counter and reference reset before the menu
	counter, ref := ctx.Vars.WatchdogStatus()
	if counter != 0 || !ref.IsZero() {
		t.Errorf("after menu: counter = %d, ref = %v", counter, ref)
	}
}

func TestWatchdogWindowExpiryResetsCounter(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Platform.(*fakePlatform).reset = boot.ResetKernelWatchdog

	// counter far over max, but the streak is stale
	if err := ctx.Vars.SetWatchdogCounter(200); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Vars.SetWatchdogTimeReference(ctx.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	if d := mustChoose(t, ctx); d.Target != boot.Normal {
		t.Errorf("target = %s, want boot", d.Target)
	}

	counter, _ := ctx.Vars.WatchdogStatus()
	if counter != 1 {
		t.Errorf("counter = %d, want 1 (fresh streak)", counter)
	}
}

func TestWatchdogClockWentBackward(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Platform.(*fakePlatform).reset = boot.ResetKernelWatchdog

	if err := ctx.Vars.SetWatchdogCounter(200); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Vars.SetWatchdogTimeReference(ctx.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	if d := mustChoose(t, ctx); d.Target != boot.Normal {
		t.Errorf("target = %s, want boot", d.Target)
	}

	counter, _ := ctx.Vars.WatchdogStatus()
	if counter != 1 {
		t.Errorf("counter = %d, want 1", counter)
	}
}

func TestCleanBootBreaksStreak(t *testing.T) {
	ctx, _ := newTestContext()

	if err := ctx.Vars.SetWatchdogCounter(2); err != nil {
		t.Fatal(err)
	}

	if d := mustChoose(t, ctx); d.Target != boot.Normal {
		t.Errorf("target = %s, want boot", d.Target)
	}

	counter, _ := ctx.Vars.WatchdogStatus()
	if counter != 0 {
		t.Errorf("counter = %d, want 0", counter)
	}
}

func TestBatteryInsertedPowersOff(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Platform.(*fakePlatform).wake = boot.WakeBatteryInserted

	if d := mustChoose(t, ctx); d.Target != boot.PowerOff {
		t.Errorf("target = %s, want power_off", d.Target)
	}
}

func TestBCBRecoveryCommand(t *testing.T) {
	ctx, _ := newTestContext()
	dev := ctx.BCB.Device.(*miscDevice)
	copy(dev.buf[:], "boot-recovery")

	d := mustChoose(t, ctx)
	if d.Target != boot.Recovery || d.Path != "" || d.OneShot {
		t.Errorf("decision = %+v, want recovery, no path, oneshot false", d)
	}
}

func TestBCBOneShotESPBinary(t *testing.T) {
	ctx, _ := newTestContext()
	if err := ctx.Vars.SetLoaderEntryOneShot("recovery"); err != nil {
		t.Fatal(err)
	}

	dev := ctx.BCB.Device.(*miscDevice)
	copy(dev.buf[:], `bootonce-\update.zip.efi`)

	d := mustChoose(t, ctx)
	if d.Target != boot.ESPEFIBinary || d.Path != `\update.zip.efi` || !d.OneShot {
		t.Errorf("decision = %+v, want esp binary oneshot", d)
	}

	// a oneshot BCB command also clears the stale one-shot variable so
	// the two mechanisms cannot fire on consecutive boots
	if got := ctx.Vars.LoaderEntryOneShot(); got != "" {
		t.Errorf("stale one-shot variable survived: %q", got)
	}
}

func TestBCBFastbootRecastToRecovery(t *testing.T) {
	ctx, _ := newTestContext()
	dev := ctx.BCB.Device.(*miscDevice)
	copy(dev.buf[:], "boot-fastboot")

	if d := mustChoose(t, ctx); d.Target != boot.Recovery {
		t.Errorf("target = %s, want recovery (fastbootd lives in recovery)", d.Target)
	}
}

func TestOneShotVarNamesTarget(t *testing.T) {
	ctx, _ := newTestContext()
	if err := ctx.Vars.SetLoaderEntryOneShot("recovery"); err != nil {
		t.Fatal(err)
	}

	if d := mustChoose(t, ctx); d.Target != boot.Recovery {
		t.Errorf("target = %s, want recovery", d.Target)
	}

	if got := ctx.Vars.LoaderEntryOneShot(); got != "" {
		t.Errorf("one-shot variable not consumed: %q", got)
	}
}

func TestOneShotVarVeritySentinel(t *testing.T) {
	ctx, _ := newTestContext()
	if err := ctx.Vars.SetLoaderEntryOneShot("dm-verity device corrupted"); err != nil {
		t.Fatal(err)
	}

	if d := mustChoose(t, ctx); d.Target != boot.Normal {
		t.Errorf("target = %s, want boot", d.Target)
	}

	if !ctx.Slots.VerityCorrupted() {
		t.Error("verity corruption not recorded")
	}
	if got := ctx.Vars.LoaderEntryOneShot(); got != "" {
		t.Errorf("sentinel not consumed: %q", got)
	}
}

func TestOneShotChargerDowngradedWhenOffModeChargeDisabled(t *testing.T) {
	ctx, _ := newTestContext()
	if err := ctx.Vars.SetOffModeCharge(false); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Vars.SetLoaderEntryOneShot("charging"); err != nil {
		t.Fatal(err)
	}

	if d := mustChoose(t, ctx); d.Target != boot.PowerOff {
		t.Errorf("target = %s, want power_off", d.Target)
	}
}

func TestLowBattery(t *testing.T) {
	ctx, _ := newTestContext()
	p := ctx.Platform.(*fakePlatform)
	p.lowBatt = true
	p.charger = true

	if d := mustChoose(t, ctx); d.Target != boot.Charger {
		t.Errorf("target = %s, want charging", d.Target)
	}

	p.charger = false
	if d := mustChoose(t, ctx); d.Target != boot.PowerOff {
		t.Errorf("target = %s, want power_off", d.Target)
	}
	if ctx.UI.(*fakeUI).lowBattery != 1 {
		t.Error("low battery screen not shown")
	}
}

func TestChargerWake(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Platform.(*fakePlatform).wake = boot.WakeUSBCharger

	if d := mustChoose(t, ctx); d.Target != boot.Charger {
		t.Errorf("target = %s, want charging", d.Target)
	}

	// disabled off-mode-charge means a charger wake boots normally
	if err := ctx.Vars.SetOffModeCharge(false); err != nil {
		t.Fatal(err)
	}
	if d := mustChoose(t, ctx); d.Target != boot.Normal {
		t.Errorf("target = %s, want boot", d.Target)
	}
}
