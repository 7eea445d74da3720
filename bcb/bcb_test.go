package bcb_test

import (
	"testing"

	"github.com/osboot/flinger/bcb"
)

// ramDevice is a fixed-size in-memory misc partition.
type ramDevice struct {
	buf [bcb.MessageSize]byte
}

func (d *ramDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.buf[off:]), nil
}

func (d *ramDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.buf[off:], p), nil
}

func newStore(command, status string) (*bcb.Store, *ramDevice) {
	dev := &ramDevice{}
	copy(dev.buf[:32], command)
	copy(dev.buf[32:64], status)
	return &bcb.Store{Device: dev}, dev
}

func TestConsumePersistentCommand(t *testing.T) {
	store, dev := newStore("boot-recovery", "")

	cmd, err := store.Consume()
	if err != nil {
		t.Fatal(err)
	}

	if cmd.Target != "recovery" || cmd.OneShot {
		t.Errorf("cmd = %+v, want target recovery, oneshot false", cmd)
	}

	// persistent commands survive consumption
	if got := string(dev.buf[:13]); got != "boot-recovery" {
		t.Errorf("command field = %q, want boot-recovery", got)
	}
}

func TestConsumeOneShotErasesCommand(t *testing.T) {
	store, dev := newStore(`bootonce-\update.zip.efi`, "")

	cmd, err := store.Consume()
	if err != nil {
		t.Fatal(err)
	}

	if cmd.Target != `\update.zip.efi` || !cmd.OneShot {
		t.Errorf("cmd = %+v, want ESP path, oneshot true", cmd)
	}

	if dev.buf[0] != 0 {
		t.Error("one-shot command field not erased on disk")
	}

	// a second pass over the stored bytes must not re-fire
	again, err := store.Consume()
	if err != nil {
		t.Fatal(err)
	}
	if again.Target != "" || again.OneShot {
		t.Errorf("one-shot command re-fired: %+v", again)
	}
}

func TestConsumeClearsStaleStatus(t *testing.T) {
	store, dev := newStore("", "updating")

	if _, err := store.Consume(); err != nil {
		t.Fatal(err)
	}

	if dev.buf[32] != 0 {
		t.Error("stale status not cleared on disk")
	}
}

func TestConsumeUnrecognizedCommand(t *testing.T) {
	store, dev := newStore("frobnicate", "stale")

	cmd, err := store.Consume()
	if err != nil {
		t.Fatal(err)
	}

	if cmd.Target != "" {
		t.Errorf("unrecognized command produced target %q", cmd.Target)
	}

	// the dirty block is still normalized
	if dev.buf[32] != 0 {
		t.Error("status not cleared for unrecognized command")
	}
}

func TestReadTerminatesFields(t *testing.T) {
	dev := &ramDevice{}
	for i := 0; i < 64; i++ {
		dev.buf[i] = 'x'
	}

	store := &bcb.Store{Device: dev}
	m, err := store.Read()
	if err != nil {
		t.Fatal(err)
	}

	if m.Command[31] != 0 || m.Status[31] != 0 {
		t.Error("command/status not NUL-terminated")
	}
}
