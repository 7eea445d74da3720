package cmdline_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/osboot/flinger/cmdline"
)

func TestPrependOrdering(t *testing.T) {
	b := cmdline.New("root=/dev/vda1 quiet")
	b.Prepend("androidboot.serialno=0123")
	b.Prependf("androidboot.slot_suffix=%s", "_a")

	want := "androidboot.slot_suffix=_a androidboot.serialno=0123 root=/dev/vda1 quiet"
	if got := b.String(); got != want {
		t.Errorf("line = %q, want %q", got, want)
	}
}

func TestEmptyBase(t *testing.T) {
	b := cmdline.New("")
	b.Prepend("a=1")
	if got := b.String(); got != "a=1" {
		t.Errorf("line = %q, want a=1", got)
	}
}

func TestBytesRejectsNonASCII(t *testing.T) {
	b := cmdline.New("root=/dev/vda1")
	b.Prepend("androidboot.name=caf\xc3\xa9")

	if _, err := b.Bytes(); !errors.Is(err, cmdline.ErrNotASCII) {
		t.Errorf("err = %v, want ErrNotASCII", err)
	}
}

func TestBytesNulTerminated(t *testing.T) {
	b := cmdline.New("quiet")
	out, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if out[len(out)-1] != 0 {
		t.Error("line not NUL-terminated")
	}
}

func TestClassify(t *testing.T) {
	line := "console=ttyS0 androidboot.serialno=0123 root=/dev/vda1 " +
		"androidboot.mode androidboot.hardware= loop.max_part=7"

	kernel, bootconfig := cmdline.Classify(line)

	if want := "console=ttyS0 root=/dev/vda1 loop.max_part=7"; kernel != want {
		t.Errorf("kernel = %q, want %q", kernel, want)
	}

	want := []string{
		"androidboot.serialno=0123",
		"androidboot.mode=unknown",
		"androidboot.hardware=unknown",
	}
	if diff := cmp.Diff(want, bootconfig); diff != "" {
		t.Errorf("bootconfig mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifyNoAndroidboot(t *testing.T) {
	kernel, bootconfig := cmdline.Classify("console=ttyS0 quiet")
	if kernel != "console=ttyS0 quiet" || bootconfig != nil {
		t.Errorf("got %q, %v", kernel, bootconfig)
	}
}
