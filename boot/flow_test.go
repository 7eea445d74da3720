package boot_test

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/osboot/flinger/avb"
	"github.com/osboot/flinger/boot"
	"github.com/osboot/flinger/bootimg"
	"github.com/osboot/flinger/handover"
)

// buildBzImage synthesizes a kernel image the handover will accept.
func buildBzImage(t *testing.T) []byte {
	t.Helper()

	hdr := handover.SetupHeader{
		SetupSects:        4,
		Syssize:           2,
		BootFlag:          handover.BootFlagMagic,
		Header:            handover.SetupHeaderMagic,
		Version:           0x20f,
		RelocatableKernel: 1,
		InitrdAddrMax:     0x37ffffff,
		CmdlineSize:       2047,
	}

	var hb bytes.Buffer
	if err := binary.Write(&hb, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}

	img := make([]byte, handover.ZeropageSize)
	copy(img[0x1f1:], hb.Bytes())
	return img
}

type fakeVerifier struct {
	parts map[string][]byte
	state avb.BootState
	slot  *avb.SlotData
	err   error
}

func (v *fakeVerifier) LoadVerifyAB(partition string) ([]byte, avb.BootState, *avb.SlotData, error) {
	return v.parts[partition], v.state, v.slot, v.err
}

func (v *fakeVerifier) LoadVerify(partition string) ([]byte, avb.BootState, *avb.SlotData, error) {
	return v.parts[partition], v.state, v.slot, v.err
}

type fakePower struct {
	reboots     []boot.Target
	coldReboots []boot.Target
	shutdowns   int
}

func (p *fakePower) Reboot(t boot.Target) error     { p.reboots = append(p.reboots, t); return nil }
func (p *fakePower) ColdReboot(t boot.Target) error { p.coldReboots = append(p.coldReboots, t); return nil }
func (p *fakePower) Shutdown() error                { p.shutdowns++; return nil }

type fakeFirmware struct {
	jumped *handover.Request
}

func (f *fakeFirmware) MemoryMap() ([]handover.MemoryRegion, handover.MapKey, error) {
	return []handover.MemoryRegion{{Addr: 0, Size: 1 << 30, Type: handover.E820RAM}}, 1, nil
}

func (f *fakeFirmware) ExitBootServices(handover.MapKey) error { return nil }
func (f *fakeFirmware) Framebuffer() *handover.Framebuffer     { return nil }
func (f *fakeFirmware) Stall(time.Duration)                    {}

func (f *fakeFirmware) Jump(params *handover.BootParams, req *handover.Request) error {
	f.jumped = req
	return nil
}

func newFlowContext(t *testing.T, bootRaw, vendorRaw []byte) (*boot.Context, *fakeFirmware, *fakePower) {
	t.Helper()

	ctx, _ := newTestContext()

	parts := map[string][]byte{"boot": bootRaw}
	if vendorRaw != nil {
		parts["vendor_boot"] = vendorRaw
	}

	ctx.Verifier = &fakeVerifier{
		parts: parts,
		state: avb.Green,
		slot:  &avb.SlotData{Suffix: "_a", Cmdline: "dm=\"verity-table\""},
	}

	fw := &fakeFirmware{}
	ctx.Handover = &handover.Handover{Firmware: fw}

	power := &fakePower{}
	ctx.Power = power
	ctx.Info.SerialNumber = "SN0123"

	return ctx, fw, power
}

func TestRunNormalBootHandsOver(t *testing.T) {
	bootRD := []byte("boot-ramdisk")
	vendorRD := []byte("vendor-ramdisk")

	bootRaw, err := bootimg.Build(bootimg.Params{
		Version: 3,
		Kernel:  buildBzImage(t),
		Ramdisk: bootRD,
		Cmdline: "root=/dev/vda1",
	})
	if err != nil {
		t.Fatal(err)
	}

	vendorRaw, err := bootimg.BuildVendor(bootimg.VendorParams{
		Version: 3,
		Ramdisk: vendorRD,
		Cmdline: "console=ttyS0",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, fw, _ := newFlowContext(t, bootRaw, vendorRaw)

	err = boot.Run(ctx, boot.Hooks{})
	if err == nil {
		t.Fatal("flow returned nil; a successful fake jump still comes back as an error")
	}

	if fw.jumped == nil {
		t.Fatal("never reached the jump")
	}

	line := string(bytes.TrimRight(fw.jumped.Cmdline, "\x00"))
	for _, want := range []string{
		"androidboot.verifiedbootstate=green",
		"androidboot.slot_suffix=_a",
		"androidboot.serialno=SN0123",
		"dm=\"verity-table\"",
		"console=ttyS0",
		"root=/dev/vda1",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("cmdline missing %q: %s", want, line)
		}
	}

	wantInitrd := append(append([]byte{}, vendorRD...), bootRD...)
	if !bytes.Equal(fw.jumped.Initrd, wantInitrd) {
		t.Error("initrd is not the vendor+boot concatenation")
	}

	// the slot this pass selected is committed for the next stage
	if slot, err := ctx.Vars.LoadedSlot(); err != nil || slot != 0 {
		t.Errorf("loaded slot = %d, %v; want 0, nil", slot, err)
	}
}

func TestRedRecoveryTakesBadRecoveryPath(t *testing.T) {
	bootRaw, err := bootimg.Build(bootimg.Params{
		Version: 3,
		Kernel:  buildBzImage(t),
		Ramdisk: []byte("rd"),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, _, power := newFlowContext(t, bootRaw, nil)
	v := ctx.Verifier.(*fakeVerifier)
	v.parts["recovery"] = bootRaw
	v.err = avb.ErrVerificationFailed

	if err := boot.Execute(ctx, boot.Hooks{}, boot.Decision{Target: boot.Recovery}); err != nil {
		t.Fatal(err)
	}

	ui := ctx.UI.(*fakeUI)
	if ui.badRecovery != 1 || ui.redCalls != 0 {
		t.Errorf("badRecovery = %d, redCalls = %d; want the dedicated warning", ui.badRecovery, ui.redCalls)
	}
	if power.shutdowns != 1 {
		t.Error("warning verdict (power off) not executed")
	}
}

func TestSlotMismatchForcesColdReboot(t *testing.T) {
	bootRaw, err := bootimg.Build(bootimg.Params{
		Version: 3,
		Kernel:  buildBzImage(t),
		Ramdisk: []byte("rd"),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, fw, power := newFlowContext(t, bootRaw, nil)

	// a prior stage committed to slot B, the verifier chose A
	if err := ctx.Vars.SetLoadedSlot(1); err != nil {
		t.Fatal(err)
	}

	if err := boot.Execute(ctx, boot.Hooks{}, boot.Decision{Target: boot.Normal}); err != nil {
		t.Fatal(err)
	}

	if len(power.coldReboots) != 1 || power.coldReboots[0] != boot.Normal {
		t.Errorf("cold reboots = %v, want [boot]", power.coldReboots)
	}
	if fw.jumped != nil {
		t.Error("jumped despite inconsistent slot state")
	}
}

func TestESPBootimageIsOrangeAndOneShot(t *testing.T) {
	raw, err := bootimg.Build(bootimg.Params{
		Version: 2,
		Kernel:  buildBzImage(t),
		Ramdisk: []byte("rd"),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, fw, _ := newFlowContext(t, nil, nil)
	ctx.Disk.(*fakeDisk).files[`\test.img`] = raw
	ctx.UserBuild = true

	wiped := false
	hooks := boot.Hooks{WipeRAM: func() error { wiped = true; return nil }}

	d := boot.Decision{Target: boot.ESPBootimage, Path: `\test.img`, OneShot: true}
	if err := boot.Execute(ctx, hooks, d); err == nil {
		t.Fatal("expected the post-jump failure error")
	}

	if fw.jumped == nil {
		t.Fatal("never reached the jump")
	}
	if !strings.Contains(string(fw.jumped.Cmdline), "androidboot.verifiedbootstate=orange") {
		t.Error("sideloaded image not marked orange")
	}
	if !wiped {
		t.Error("user build did not wipe memory before an orange boot")
	}
	if ctx.Disk.Exists(`\test.img`) {
		t.Error("one-shot image not removed")
	}
}

func TestOEMVarsPolicy(t *testing.T) {
	oem := []byte("#OEMVARS\n# comment\npanel.vendor acme\n")

	raw, err := bootimg.Build(bootimg.Params{
		Version: 2,
		Kernel:  buildBzImage(t),
		Ramdisk: []byte("rd"),
		Second:  oem,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, _, _ := newFlowContext(t, raw, nil)
	v := ctx.Verifier.(*fakeVerifier)
	v.parts["recovery"] = raw
	v.slot = nil

	// recovery applies unconditionally and arms the update flag
	if err := boot.Execute(ctx, boot.Hooks{}, boot.Decision{Target: boot.Recovery}); err == nil {
		t.Fatal("expected the post-jump failure error")
	}
	if !ctx.Vars.OEMVarsUpdate() {
		t.Error("recovery boot did not arm the oem vars update flag")
	}

	// the next normal boot re-applies and disarms
	if err := boot.Execute(ctx, boot.Hooks{}, boot.Decision{Target: boot.Normal}); err == nil {
		t.Fatal("expected the post-jump failure error")
	}
	if ctx.Vars.OEMVarsUpdate() {
		t.Error("normal boot did not clear the oem vars update flag")
	}
}
