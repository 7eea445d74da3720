//go:build linux

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/osboot/flinger/avb"
	"github.com/osboot/flinger/boot"
	"github.com/osboot/flinger/efivar"
	"github.com/osboot/flinger/slot"
)

// espDisk serves ESP-absolute backslash paths from the mounted EFI
// system partition.
type espDisk struct {
	Root string
}

func (d *espDisk) hostPath(path string) string {
	path = strings.TrimPrefix(path, `\`)
	return filepath.Join(d.Root, strings.ReplaceAll(path, `\`, "/"))
}

func (d *espDisk) Exists(path string) bool {
	_, err := os.Stat(d.hostPath(path))
	return err == nil
}

func (d *espDisk) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(d.hostPath(path))
}

func (d *espDisk) Remove(path string) error {
	return os.Remove(d.hostPath(path))
}

// sysfsPlatform reads power facts from the power-supply class. Wake and
// reset causes are not exposed on generic Linux, so they report unknown
// and the reboot-reason variable carries the crash signal instead.
type sysfsPlatform struct {
	// PowerSupply overrides the sysfs class directory in tests.
	PowerSupply string

	// LowBatteryPercent is the power-off threshold. Zero means 3.
	LowBatteryPercent int
}

func (p *sysfsPlatform) dir() string {
	if p.PowerSupply != "" {
		return p.PowerSupply
	}
	return "/sys/class/power_supply"
}

func (p *sysfsPlatform) WakeSource() boot.WakeSource   { return boot.WakeUnknown }
func (p *sysfsPlatform) ResetSource() boot.ResetSource { return boot.ResetUnknown }

func (p *sysfsPlatform) BatteryBelowThreshold() bool {
	threshold := p.LowBatteryPercent
	if threshold == 0 {
		threshold = 3
	}

	entries, err := os.ReadDir(p.dir())
	if err != nil {
		return false
	}

	for _, e := range entries {
		base := filepath.Join(p.dir(), e.Name())
		if kind, err := os.ReadFile(filepath.Join(base, "type")); err != nil ||
			strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(base, "capacity"))
		if err != nil {
			continue
		}
		if pct, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
			return pct < threshold
		}
	}

	// no battery means nothing to run out of
	return false
}

func (p *sysfsPlatform) ChargerConnected() bool {
	entries, err := os.ReadDir(p.dir())
	if err != nil {
		return false
	}

	for _, e := range entries {
		base := filepath.Join(p.dir(), e.Name())
		kind, err := os.ReadFile(filepath.Join(base, "type"))
		if err != nil {
			continue
		}
		switch strings.TrimSpace(string(kind)) {
		case "Mains", "USB":
		default:
			continue
		}

		if online, err := os.ReadFile(filepath.Join(base, "online")); err == nil &&
			strings.TrimSpace(string(online)) == "1" {
			return true
		}
	}
	return false
}

// magicKey is the console key that requests fastboot when held through
// the detection window. Terminal auto-repeat keeps it "down".
const magicKey = 'f'

// rawConsole polls the controlling terminal for the magic key without
// blocking the boot path.
type rawConsole struct {
	fd    int
	saved *term.State
}

func openConsole() (*rawConsole, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("loader: stdin is not a terminal")
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &rawConsole{fd: fd, saved: saved}, nil
}

func (c *rawConsole) MagicKeyDown() bool {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	if n, err := unix.Poll(fds, 0); err != nil || n == 0 {
		return false
	}

	var buf [1]byte
	if n, err := unix.Read(c.fd, buf[:]); err != nil || n == 0 {
		return false
	}
	return buf[0] == magicKey
}

func (c *rawConsole) Close() error {
	return term.Restore(c.fd, c.saved)
}

// consoleUI answers policy questions without a display stack: warnings
// go to the log and the safe choice wins.
type consoleUI struct {
	Log *slog.Logger
}

func (u *consoleUI) CrashMenu() boot.Target {
	u.Log.Warn("repeated crashes detected, offering recovery")
	return boot.Recovery
}

func (u *consoleUI) WarnRedState(target boot.Target) boot.Target {
	u.Log.Error("image failed verification, refusing to boot", "target", target.String())
	return boot.PowerOff
}

func (u *consoleUI) WarnBadRecovery() boot.Target {
	u.Log.Error("recovery image failed verification")
	return boot.Fastboot
}

func (u *consoleUI) LowBattery(d time.Duration) {
	u.Log.Warn("battery too low to boot, powering off")
	time.Sleep(d)
}

// sysPower implements the terminal actions through reboot(2). The
// requested target is persisted as a one-shot entry first so the next
// loader pass honors it; Linux offers no warm/cold distinction, so a
// cold reboot is a plain reboot here.
type sysPower struct {
	Vars *efivar.Vars
}

func (p *sysPower) recordTarget(target boot.Target) {
	if target == boot.Normal {
		return
	}
	if err := p.Vars.SetLoaderEntryOneShot(target.String()); err != nil {
		slog.Debug("reboot target record failed", "target", target.String(), "err", err)
	}
}

func (p *sysPower) Reboot(target boot.Target) error {
	p.recordTarget(target)
	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

func (p *sysPower) ColdReboot(target boot.Target) error {
	return p.Reboot(target)
}

func (p *sysPower) Shutdown() error {
	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
}

// noChainloader rejects ESP binary targets: a running kernel cannot
// execute an EFI application.
type noChainloader struct{}

func (noChainloader) Start(path string) error {
	return fmt.Errorf("loader: cannot chainload %s: no EFI boot services", path)
}

// stageVerifier loads partitions by label and reports the trust state
// the platform establishes before this loader runs: the verification
// engine is a prior boot stage, so a locked device reads as verified and
// an unlocked one as orange.
type stageVerifier struct {
	ByLabel string
	Vars    *efivar.Vars
	Slots   slot.Manager
}

func (v *stageVerifier) read(partition string) ([]byte, error) {
	f, err := os.Open(filepath.Join(v.ByLabel, partition))
	if err != nil {
		return nil, fmt.Errorf("loader: open partition %s: %w", partition, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (v *stageVerifier) state() avb.BootState {
	if v.Vars.DeviceUnlocked() {
		return avb.Orange
	}
	return avb.Green
}

func (v *stageVerifier) LoadVerifyAB(partition string) ([]byte, avb.BootState, *avb.SlotData, error) {
	idx, err := v.Slots.Active()
	if err != nil {
		return nil, avb.Red, nil, err
	}
	suffix := slot.Suffix(idx)

	raw, err := v.read(partition + suffix)
	if err != nil {
		return nil, avb.Red, nil, err
	}

	data := &avb.SlotData{
		Suffix:          suffix,
		RollbackIndexes: []uint64{v.Vars.RollbackIndex(0)},
	}
	return raw, v.state(), data, nil
}

func (v *stageVerifier) LoadVerify(partition string) ([]byte, avb.BootState, *avb.SlotData, error) {
	raw, err := v.read(partition)
	if err != nil {
		return nil, avb.Red, nil, err
	}
	return raw, v.state(), nil, nil
}
