// Package boot holds the boot-target decision chain and the load flow
// that turns the chosen target into a running kernel.
package boot

import "strings"

// Target is the single boot destination resolved once per boot.
type Target int

const (
	Normal Target = iota
	Recovery
	Fastboot
	DNX
	Crashmode
	PowerOff
	Charger
	ESPEFIBinary
	ESPBootimage
	Unknown
	ExitShell
	Memory
)

var targetNames = map[Target]string{
	Normal:       "boot",
	Recovery:     "recovery",
	Fastboot:     "bootloader",
	DNX:          "dnx",
	Crashmode:    "crashmode",
	PowerOff:     "power_off",
	Charger:      "charging",
	ESPEFIBinary: "esp_efi_binary",
	ESPBootimage: "esp_bootimage",
	ExitShell:    "exit_shell",
	Memory:       "memory",
}

func (t Target) String() string {
	if s, ok := targetNames[t]; ok {
		return s
	}
	return "unknown"
}

// TargetByName maps an externally supplied target name (BCB command,
// one-shot variable, fastboot reboot argument) to a Target.
func TargetByName(name string) (Target, bool) {
	switch name {
	case "boot", "android", "normal":
		return Normal, true
	case "recovery":
		return Recovery, true
	case "bootloader", "fastboot":
		return Fastboot, true
	case "dnx":
		return DNX, true
	case "crashmode":
		return Crashmode, true
	case "charging", "charger":
		return Charger, true
	case "power_off", "shutdown":
		return PowerOff, true
	case "memory":
		return Memory, true
	}
	return Unknown, false
}

// Decision is the resolver's verdict: a target, an optional ESP file
// path for the ESP_* targets, and whether that file is one-shot.
type Decision struct {
	Target  Target
	Path    string
	OneShot bool

	// Image carries an already-downloaded boot image ("fastboot boot")
	// for the ESP_BOOTIMAGE target instead of an ESP path.
	Image []byte
}

// decisionFromCommand maps a BCB/one-shot command string. A leading
// backslash names a file on the EFI system partition: .efi binaries are
// chainloaded, anything else is treated as a boot image.
func decisionFromCommand(cmd string, oneshot bool) (Decision, bool) {
	if strings.HasPrefix(cmd, `\`) {
		t := ESPBootimage
		if strings.HasSuffix(cmd, ".efi") || strings.HasSuffix(cmd, ".EFI") {
			t = ESPEFIBinary
		}
		return Decision{Target: t, Path: cmd, OneShot: oneshot}, true
	}

	t, ok := TargetByName(cmd)
	if !ok {
		return Decision{}, false
	}
	return Decision{Target: t, OneShot: oneshot}, true
}
