package boot

import (
	"errors"
	"fmt"
	"time"

	"github.com/osboot/flinger/slot"
)

const (
	// forceFastbootFile on the ESP marks installer media that must
	// always land in fastboot.
	forceFastbootFile = `\force_fastboot`

	// verityCorruptedSentinel in the one-shot variable asks the loader
	// to flag the active slot as verity-corrupted instead of naming a
	// real target.
	verityCorruptedSentinel = "dm-verity device corrupted"

	magicKeyPoll        = time.Millisecond
	magicKeyHold        = 2 * time.Second
	magicKeyWaitDefault = 200 * time.Millisecond
	magicKeyWaitMax     = time.Second

	// watchdogWindow is the crash-streak window: consecutive watchdog
	// resets further apart than this do not count as a loop.
	watchdogWindow = 600 * time.Second

	// lowBatteryDisplay is how long the empty-battery screen stays up
	// before powering off.
	lowBatteryDisplay = 3 * time.Second
)

var ErrBadArgument = errors.New("boot: unrecognized loader argument")

// Choose runs the ordered decision chain and returns exactly one
// target. Every stage that finds nothing actionable defers to the next;
// only operator mistakes on the loader command line surface as errors.
func Choose(ctx *Context) (Decision, error) {
	d, err := checkArgs(ctx)
	if err != nil {
		return Decision{}, err
	}
	if d.Target != Normal {
		return d, nil
	}

	if ctx.Disk != nil && ctx.Disk.Exists(forceFastbootFile) {
		ctx.log().Info("installer media sentinel present, forcing fastboot")
		return Decision{Target: Fastboot}, nil
	}

	if checkMagicKey(ctx) {
		return Decision{Target: Fastboot}, nil
	}

	if d := checkWatchdog(ctx); d.Target != Normal {
		return d, nil
	}

	// a battery insertion with off-mode-charge enabled is not a boot
	// request at all
	if ctx.Vars.OffModeCharge() && ctx.Platform.WakeSource() == WakeBatteryInserted {
		return Decision{Target: PowerOff}, nil
	}

	if d := checkBCB(ctx); d.Target != Normal {
		return d, nil
	}

	if d := checkOneShotVar(ctx); d.Target != Normal {
		return d, nil
	}

	if ctx.Platform.BatteryBelowThreshold() {
		if ctx.Platform.ChargerConnected() {
			return Decision{Target: Charger}, nil
		}
		if ctx.UI != nil {
			ctx.UI.LowBattery(lowBatteryDisplay)
		}
		return Decision{Target: PowerOff}, nil
	}

	if d := checkChargeMode(ctx); d.Target != Normal {
		return d, nil
	}

	return Decision{Target: Normal}, nil
}

// checkArgs parses the loader's own command line. Unknown arguments are
// the one place the resolver fails loudly: an operator typo at the EFI
// shell should be visible, not silently ignored.
func checkArgs(ctx *Context) (Decision, error) {
	for i := 1; i < len(ctx.Args); i++ {
		switch ctx.Args[i] {
		case "-f":
			return Decision{Target: Fastboot}, nil

		case "-a":
			// legacy RAM address argument; the address is ignored but
			// the flag still means fastboot
			if i+1 >= len(ctx.Args) {
				return Decision{}, fmt.Errorf("%w: -a needs an address", ErrBadArgument)
			}
			return Decision{Target: Fastboot}, nil

		case "-U":
			if ctx.UserBuild {
				return Decision{}, fmt.Errorf("%w: -U", ErrBadArgument)
			}
			// self-test shell; the optional test name is handled by
			// the shell itself
			return Decision{Target: ExitShell}, nil

		default:
			return Decision{}, fmt.Errorf("%w: %q", ErrBadArgument, ctx.Args[i])
		}
	}
	return Decision{Target: Normal}, nil
}

// checkMagicKey polls for the magic key within a bounded window, then
// requires it to stay held. A short press must not trigger fastboot.
func checkMagicKey(ctx *Context) bool {
	if ctx.Console == nil {
		return false
	}

	wait := ctx.Vars.MagicKeyTimeout(magicKeyWaitDefault, magicKeyWaitMax)

	down := false
	for start := ctx.now(); ctx.now().Sub(start) < wait; {
		if ctx.Console.MagicKeyDown() {
			down = true
			break
		}
		ctx.stall(magicKeyPoll)
	}
	if !down {
		return false
	}

	for start := ctx.now(); ctx.now().Sub(start) < magicKeyHold; {
		if !ctx.Console.MagicKeyDown() {
			// released early, treat as bounce
			return false
		}
		ctx.stall(magicKeyPoll)
	}

	ctx.log().Info("magic key held, entering fastboot")
	return true
}

// checkWatchdog implements the crash-loop policy: tolerate a configured
// number of consecutive watchdog/panic resets inside the window, then
// hand the decision to the operator.
func checkWatchdog(ctx *Context) Decision {
	if !ctx.Vars.CrashEventMenu() {
		return Decision{Target: Normal}
	}

	counter, ref := ctx.Vars.WatchdogStatus()

	reason := ctx.Vars.RebootReason()
	crashed := watchdogReset(ctx.Platform.ResetSource()) ||
		reason == "kernel_panic" || reason == "watchdog"

	if !crashed {
		// a clean boot breaks the streak
		if counter != 0 {
			if err := ctx.Vars.SetWatchdogCounter(0); err != nil {
				ctx.log().Debug("watchdog counter reset failed", "err", err)
			}
		}

		// a shutdown request that landed here means the platform
		// rebooted instead of powering off; finish the job
		if ctx.UserBuild && reason == "shutdown" {
			_ = ctx.Vars.DeleteRebootReason()
			return Decision{Target: PowerOff}
		}
		return Decision{Target: Normal}
	}

	now := ctx.now()
	if counter > 0 && (now.Before(ref) || now.Sub(ref) > watchdogWindow) {
		// window expired or clock went backward: restart the streak
		counter = 0
	}

	if counter == 0 {
		if err := ctx.Vars.SetWatchdogTimeReference(now); err != nil {
			ctx.log().Debug("watchdog time reference write failed", "err", err)
		}
	}

	counter++

	if counter <= ctx.Vars.WatchdogCounterMax() {
		// persist before proceeding so a reset mid-boot cannot lose
		// the increment
		if err := ctx.Vars.SetWatchdogCounter(counter); err != nil {
			ctx.log().Debug("watchdog counter write failed", "err", err)
		}
		return Decision{Target: Normal}
	}

	if err := ctx.Vars.ResetWatchdogStatus(); err != nil {
		ctx.log().Debug("watchdog status reset failed", "err", err)
	}

	if ctx.UI == nil {
		return Decision{Target: Normal}
	}

	ctx.log().Warn("crash loop detected", "resets", counter)
	return Decision{Target: ctx.UI.CrashMenu()}
}

// checkBCB consumes the bootloader control block. A one-shot command
// also clears any stale one-shot loader entry so the two mechanisms
// cannot double-fire across boots.
func checkBCB(ctx *Context) Decision {
	if ctx.BCB == nil {
		return Decision{Target: Normal}
	}

	cmd, err := ctx.BCB.Consume()
	if err != nil {
		ctx.log().Debug("bcb read failed", "err", err)
		return Decision{Target: Normal}
	}
	if cmd.Target == "" {
		return Decision{Target: Normal}
	}

	d, ok := decisionFromCommand(cmd.Target, cmd.OneShot)
	if !ok {
		ctx.log().Debug("bcb names unknown target", "command", cmd.Target)
		return Decision{Target: Normal}
	}

	if cmd.OneShot {
		if err := ctx.Vars.DeleteLoaderEntryOneShot(); err != nil {
			ctx.log().Debug("one-shot variable clear failed", "err", err)
		}
	}

	// fastbootd lives inside the recovery image
	if d.Target == Fastboot {
		d.Target = Recovery
	}

	ctx.log().Info("bcb command", "command", cmd.Target, "target", d.Target.String())
	return d
}

// checkOneShotVar consumes the gummiboot-compatible one-shot entry. The
// variable is deleted even when its content is unusable.
func checkOneShotVar(ctx *Context) Decision {
	entry := ctx.Vars.LoaderEntryOneShot()
	if entry == "" {
		return Decision{Target: Normal}
	}

	if err := ctx.Vars.DeleteLoaderEntryOneShot(); err != nil {
		ctx.log().Debug("one-shot variable clear failed", "err", err)
	}

	if entry == verityCorruptedSentinel {
		if err := ctx.Slots.SetVerityCorrupted(true); err != nil {
			ctx.log().Debug("verity corruption flag write failed", "err", err)
		}
		return Decision{Target: Normal}
	}

	d, ok := decisionFromCommand(entry, true)
	if !ok {
		ctx.log().Debug("one-shot names unknown target", "entry", entry)
		return Decision{Target: Normal}
	}

	if d.Target == Charger && !ctx.Vars.OffModeCharge() {
		return Decision{Target: PowerOff}
	}

	// a one-shot DNX request is not honored from this variable; the
	// dedicated wake path handles DNX entry
	if d.Target == DNX {
		return Decision{Target: Normal}
	}

	ctx.log().Info("one-shot entry", "entry", entry, "target", d.Target.String())
	return d
}

// checkChargeMode sends charger-insertion wakes to charger mode when
// off-mode-charge policy allows it.
func checkChargeMode(ctx *Context) Decision {
	switch ctx.Platform.WakeSource() {
	case WakeUSBCharger, WakeACCharger:
		if ctx.Vars.OffModeCharge() {
			return Decision{Target: Charger}
		}
	}
	return Decision{Target: Normal}
}

// activeSlotSuffix is a helper for stages that need the suffix or "".
func activeSlotSuffix(ctx *Context) string {
	idx, err := ctx.Slots.Active()
	if err != nil {
		if !errors.Is(err, slot.ErrNoBootableSlot) {
			ctx.log().Debug("active slot lookup failed", "err", err)
		}
		return ""
	}
	return slot.Suffix(idx)
}
