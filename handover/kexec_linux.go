//go:build linux

package handover

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// KexecFirmware implements Firmware on a running Linux kernel using
// kexec_file_load. It backs first-stage development and VM platforms
// where this loader runs as a LinuxBoot-style stage rather than on bare
// firmware. ExitBootServices is a no-op: the running kernel tears the
// platform down itself during the kexec reboot.
type KexecFirmware struct {
	// IomemPath overrides /proc/iomem, for tests.
	IomemPath string
}

func (f *KexecFirmware) iomem() string {
	if f.IomemPath != "" {
		return f.IomemPath
	}
	return "/proc/iomem"
}

// MemoryMap derives E820 regions from /proc/iomem. The key is always
// valid: the map cannot change under a running kernel in a way that
// matters to kexec.
func (f *KexecFirmware) MemoryMap() ([]MemoryRegion, MapKey, error) {
	file, err := os.Open(f.iomem())
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	var regions []MemoryRegion
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		line := sc.Text()

		// only top-level entries; children are indented
		if strings.HasPrefix(line, " ") {
			continue
		}

		rng, label, ok := strings.Cut(line, " : ")
		if !ok {
			continue
		}

		typ := uint32(E820Reserved)
		switch {
		case label == "System RAM":
			typ = E820RAM
		case strings.HasPrefix(label, "ACPI Tables"):
			typ = E820ACPI
		case strings.HasPrefix(label, "ACPI Non-volatile"):
			typ = E820NVS
		}

		lo, hi, ok := strings.Cut(strings.TrimSpace(rng), "-")
		if !ok {
			continue
		}

		start, err1 := strconv.ParseUint(lo, 16, 64)
		end, err2 := strconv.ParseUint(hi, 16, 64)
		if err1 != nil || err2 != nil || end < start {
			continue
		}

		regions = append(regions, MemoryRegion{Addr: start, Size: end - start + 1, Type: typ})
	}

	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	return regions, 0, nil
}

func (f *KexecFirmware) ExitBootServices(MapKey) error {
	return nil
}

func (f *KexecFirmware) Framebuffer() *Framebuffer {
	return nil
}

func (f *KexecFirmware) Stall(d time.Duration) {
	time.Sleep(d)
}

// Jump stages the kernel and initrd through memfds, loads them with
// kexec_file_load and reboots into the new kernel. It only returns on
// failure.
func (f *KexecFirmware) Jump(params *BootParams, req *Request) error {
	kfd, err := memfd("kernel", req.Kernel)
	if err != nil {
		return err
	}
	defer unix.Close(kfd)

	ifd := -1
	flags := unix.KEXEC_FILE_NO_INITRAMFS
	if len(req.Initrd) > 0 {
		if ifd, err = memfd("initrd", req.Initrd); err != nil {
			return err
		}
		defer unix.Close(ifd)
		flags = 0
	}

	cmdline := strings.TrimRight(string(req.Cmdline), "\x00")
	if err := unix.KexecFileLoad(kfd, ifd, cmdline, flags); err != nil {
		return fmt.Errorf("handover: kexec_file_load: %w", err)
	}

	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_KEXEC); err != nil {
		return fmt.Errorf("handover: reboot: %w", err)
	}

	// unreachable when the reboot succeeds
	return nil
}

func memfd(name string, data []byte) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("handover: memfd %s: %w", name, err)
	}

	for off := 0; off < len(data); {
		n, err := unix.Pwrite(fd, data[off:], int64(off))
		if err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("handover: write %s: %w", name, err)
		}
		off += n
	}
	return fd, nil
}
