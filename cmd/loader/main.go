//go:build linux

// Command loader resolves a boot target, loads and verifies the matching
// boot image, and hands the machine over to its kernel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/osboot/flinger/bcb"
	"github.com/osboot/flinger/boot"
	"github.com/osboot/flinger/efivar"
	"github.com/osboot/flinger/fastboot"
	"github.com/osboot/flinger/handover"
	"github.com/osboot/flinger/rot"
	"github.com/osboot/flinger/slot"
)

type options struct {
	ForceFastboot bool   `short:"f" description:"Enter fastboot mode instead of resolving a boot target"`
	FastbootAddr  string `short:"a" description:"Legacy fastboot RAM address (the value is ignored)"`
	SelfTest      string `short:"U" description:"Run the named self test and exit (rejected on user builds)" optional:"true" optional-value:"all"`

	Misc    string `long:"misc" default:"/dev/disk/by-partlabel/misc" description:"Block device holding the bootloader control block"`
	ESP     string `long:"esp" default:"/boot/efi" description:"Mount point of the EFI system partition"`
	ByLabel string `long:"by-partlabel" default:"/dev/disk/by-partlabel" description:"Directory of partition-label device links"`

	Listen    string `long:"fastboot-listen" default:":5554" description:"Fastboot TCP listen address"`
	Vsock     bool   `long:"fastboot-vsock" description:"Also serve fastboot on the AF_VSOCK port"`
	UserBuild bool   `long:"user-build" description:"Production policy: no engineering escapes"`
	Verbose   bool   `short:"v" long:"verbose" description:"Debug logging"`

	Serial     string `long:"serialno" description:"Device serial number"`
	Product    string `long:"product" default:"flinger" description:"Product name"`
	SerialPort string `long:"console" default:"ttyS0" description:"Kernel console tty"`
	DiskBus    string `long:"boot-device" description:"Boot device bus path for androidboot.boot_devices"`
}

var opts options

// version is set at build time.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	vars := efivar.New(efivar.SystemStore{})

	misc, err := os.OpenFile(opts.Misc, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("loader: open misc: %w", err)
	}
	defer misc.Close()

	slots := &slot.Slots{Vars: vars}

	console, err := openConsole()
	if err != nil {
		log.Debug("console unavailable, magic key disabled", "err", err)
	} else {
		defer console.Close()
	}

	ctx := &boot.Context{
		Vars:     vars,
		BCB:      &bcb.Store{Device: misc},
		Slots:    slots,
		Disk:     &espDisk{Root: opts.ESP},
		Platform: &sysfsPlatform{},
		UI:       &consoleUI{Log: log},
		Power:    &sysPower{Vars: vars},
		Verifier: &stageVerifier{ByLabel: opts.ByLabel, Vars: vars, Slots: slots},
		Handover: &handover.Handover{Firmware: &handover.KexecFirmware{}, Log: log},
		Chain:    &noChainloader{},
		Log:      log,

		Info: boot.DeviceInfo{
			SerialNumber:      opts.Serial,
			BootloaderVersion: version,
			Name:              opts.Product,
			DiskBus:           opts.DiskBus,
			SerialPort:        opts.SerialPort,
		},

		UserBuild: opts.UserBuild,
		Args:      resolverArgs(),
	}
	if console != nil {
		ctx.Console = console
	}

	hooks := boot.Hooks{
		Fastboot: serveFastboot,
	}

	if tpm, err := rot.Open(); err != nil {
		log.Warn("tpm unavailable, skipping measurement", "err", err)
	} else {
		defer tpm.Close()
		hooks.RoT = tpm
	}

	return boot.Run(ctx, hooks)
}

// resolverArgs rebuilds the target-selection arguments for the decision
// chain from the parsed flags, so the chain stays the single authority
// on what they mean.
func resolverArgs() []string {
	args := []string{os.Args[0]}
	switch {
	case opts.ForceFastboot:
		args = append(args, "-f")
	case opts.FastbootAddr != "":
		args = append(args, "-a", opts.FastbootAddr)
	case opts.SelfTest != "":
		args = append(args, "-U")
	}
	return args
}

// serveFastboot runs the fastboot loop until the operator issues a
// terminal command.
func serveFastboot(ctx *boot.Context) (boot.Decision, error) {
	srv := &fastboot.Server{
		Device: &fastbootDevice{ctx: ctx},
		Log:    ctx.Log,
	}

	var listeners []net.Listener

	ln, err := fastboot.ListenTCP(opts.Listen)
	if err != nil {
		return boot.Decision{}, fmt.Errorf("loader: fastboot listen: %w", err)
	}
	listeners = append(listeners, ln)

	if opts.Vsock {
		vln, err := fastboot.ListenVsock(fastboot.Port)
		if err != nil {
			ctx.Log.Warn("vsock listen failed", "err", err)
		} else {
			listeners = append(listeners, vln)
		}
	}

	ctx.Log.Info("fastboot mode", "tcp", opts.Listen, "vsock", opts.Vsock)
	return srv.Serve(context.Background(), listeners...)
}

// fastbootDevice bridges the fastboot command handlers to the loader
// state.
type fastbootDevice struct {
	ctx *boot.Context
}

func (d *fastbootDevice) Var(name string) (string, bool) {
	for _, kv := range d.VarAll() {
		if kv[0] == name {
			return kv[1], true
		}
	}
	return "", false
}

func (d *fastbootDevice) VarAll() [][2]string {
	unlocked := "no"
	if d.ctx.Vars.DeviceUnlocked() {
		unlocked = "yes"
	}

	current := ""
	if idx, err := d.ctx.Slots.Active(); err == nil {
		// fastboot names slots without the underscore
		current = slot.Suffix(idx)[1:]
	}

	return [][2]string{
		{"product", d.ctx.Info.Name},
		{"serialno", d.ctx.Info.SerialNumber},
		{"version-bootloader", d.ctx.Info.BootloaderVersion},
		{"slot-count", fmt.Sprint(slot.NumSlots)},
		{"current-slot", current},
		{"unlocked", unlocked},
		{"off-mode-charge", boolVar(d.ctx.Vars.OffModeCharge())},
	}
}

func (d *fastbootDevice) Unlocked() bool {
	return d.ctx.Vars.DeviceUnlocked()
}

func (d *fastbootDevice) SetUnlocked(unlocked bool) error {
	return d.ctx.Vars.SetDeviceUnlocked(unlocked)
}

func (d *fastbootDevice) SetActiveSlot(suffix string) error {
	idx := slot.Index(suffix)
	if idx < 0 {
		return fmt.Errorf("loader: unknown slot %q", suffix)
	}
	return d.ctx.Slots.SetActive(idx)
}

func boolVar(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
