package boot

import (
	"log/slog"
	"time"

	"github.com/osboot/flinger/avb"
	"github.com/osboot/flinger/bcb"
	"github.com/osboot/flinger/efivar"
	"github.com/osboot/flinger/handover"
	"github.com/osboot/flinger/slot"
)

// WakeSource is why the platform powered on.
type WakeSource int

const (
	WakeUnknown WakeSource = iota
	WakePowerButton
	WakeBatteryInserted
	WakeUSBCharger
	WakeACCharger
)

// ResetSource is what caused the last reset.
type ResetSource int

const (
	ResetUnknown ResetSource = iota
	ResetOSInitiated
	ResetForcedShutdown
	ResetKernelWatchdog
	ResetSecurityWatchdog
	ResetPMICWatchdog
	ResetECWatchdog
)

// watchdogReset reports whether the reset source is one of the hardware
// watchdogs.
func watchdogReset(src ResetSource) bool {
	switch src {
	case ResetKernelWatchdog, ResetSecurityWatchdog, ResetPMICWatchdog, ResetECWatchdog:
		return true
	}
	return false
}

// Platform exposes the power/wake facts the resolver consults.
type Platform interface {
	WakeSource() WakeSource
	ResetSource() ResetSource
	BatteryBelowThreshold() bool
	ChargerConnected() bool
}

// Console is the key-detection surface. MagicKeyDown is a cheap
// instantaneous poll; the resolver owns all timing.
type Console interface {
	MagicKeyDown() bool
}

// UI is the external warning/decision collaborator. Its returns feed
// back into the target machinery.
type UI interface {
	// CrashMenu lets the operator pick a target after a crash loop.
	CrashMenu() Target

	// WarnRedState warns that verification failed for target and
	// returns where to go instead.
	WarnRedState(target Target) Target

	// WarnBadRecovery warns that the recovery image itself failed
	// verification and returns where to go instead.
	WarnBadRecovery() Target

	// LowBattery shows the empty-battery screen for the given time.
	LowBattery(d time.Duration)
}

// Disk is the EFI system partition file surface. Paths are ESP-absolute
// with backslash separators, as stored in BCB commands.
type Disk interface {
	Exists(path string) bool
	ReadFile(path string) ([]byte, error)
	Remove(path string) error
}

// Chainloader starts an EFI binary from the ESP (the ESP_EFI_BINARY
// target). It only returns on failure to start the image.
type Chainloader interface {
	Start(path string) error
}

// Power performs the terminal platform actions. Reboot and Shutdown do
// not return on success.
type Power interface {
	// Reboot restarts, recording target so the next boot honors it.
	Reboot(target Target) error

	// ColdReboot forces a full power cycle before restarting.
	ColdReboot(target Target) error

	Shutdown() error
}

// DeviceInfo is static identity the command-line composer publishes to
// the OS.
type DeviceInfo struct {
	SerialNumber      string
	BootloaderVersion string
	Brand             string
	Name              string
	Device            string
	Model             string

	// DiskBus is the boot-device PCI path for androidboot.boot_devices.
	DiskBus string

	// SerialPort is the console tty name, e.g. "ttyS0".
	SerialPort string

	// ACPIIdx and ACPIOIdx select ACPI table overlays, empty when the
	// platform has none.
	ACPIIdx  string
	ACPIOIdx string
}

// Context is the explicit boot state threaded through every stage,
// constructed once at process entry.
type Context struct {
	Vars     *efivar.Vars
	BCB      *bcb.Store
	Slots    slot.Manager
	Disk     Disk
	Platform Platform
	Console  Console
	UI       UI
	Power    Power
	Verifier avb.Verifier
	Handover *handover.Handover
	Chain    Chainloader
	Log      *slog.Logger

	Info DeviceInfo

	// UserBuild gates engineering escapes (self-test shell, command
	// line overrides) and enables memory hygiene on unlocked boots.
	UserBuild bool

	// RecoveryInBoot marks single-partition recovery layouts where the
	// recovery ramdisk lives inside the boot partition.
	RecoveryInBoot bool

	// Args is the loader command line, including the program name.
	Args []string

	// Stamps accumulates boot stage timings for androidboot.boottime.
	Stamps Stamps

	// Now and Stall exist so the timed polling loops can run against a
	// simulated clock. Nil means the real clock.
	Now   func() time.Time
	Stall func(d time.Duration)
}

func (c *Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Context) stall(d time.Duration) {
	if c.Stall != nil {
		c.Stall(d)
		return
	}
	time.Sleep(d)
}

func (c *Context) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Stamps records per-stage boot times in milliseconds, in order.
type Stamps struct {
	names []string
	ms    []int64
}

func (s *Stamps) Record(name string, d time.Duration) {
	s.names = append(s.names, name)
	s.ms = append(s.ms, d.Milliseconds())
}

// Trail renders the androidboot.boottime value: "stage:ms,stage:ms".
func (s *Stamps) Trail() string {
	var sb []byte
	for i, name := range s.names {
		if i > 0 {
			sb = append(sb, ',')
		}
		sb = append(sb, name...)
		sb = append(sb, ':')
		sb = appendInt(sb, s.ms[i])
	}
	return string(sb)
}

func appendInt(b []byte, n int64) []byte {
	if n < 0 {
		n = 0
	}
	if n >= 10 {
		b = appendInt(b, n/10)
	}
	return append(b, byte('0'+n%10))
}
