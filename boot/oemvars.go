package boot

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/osboot/flinger/efivar"
)

// oemVarsMagic opens an OEM variable blob riding in the boot image's
// second-stage segment.
const oemVarsMagic = "#OEMVARS\n"

// ApplyOEMVars applies the image's embedded OEM variables according to
// target policy:
//
//   - RECOVERY/ESP_BOOTIMAGE images apply unconditionally, and flag the
//     next normal boot to re-apply its own vars — a one-shot alternate
//     image must not permanently own the variable cache.
//   - NORMAL/CHARGER apply only when that flag is set, then clear it,
//     so repeated normal boots are idempotent.
func ApplyOEMVars(ctx *Context, res *LoadResult, target Target) error {
	blob := res.Image.Second()
	if !bytes.HasPrefix(blob, []byte(oemVarsMagic)) {
		return nil
	}

	switch target {
	case Recovery, ESPBootimage:
		if err := applyOEMVars(ctx, blob); err != nil {
			return err
		}
		return ctx.Vars.SetOEMVarsUpdate(true)

	case Normal, Charger:
		if !ctx.Vars.OEMVarsUpdate() {
			return nil
		}
		if err := applyOEMVars(ctx, blob); err != nil {
			return err
		}
		return ctx.Vars.SetOEMVarsUpdate(false)
	}

	return nil
}

// applyOEMVars parses "name value" lines into the fastboot variable
// namespace. '#' lines are comments; malformed lines are skipped, not
// fatal — a bad OEM blob must not stop the boot.
func applyOEMVars(ctx *Context, blob []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(blob))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, value, ok := strings.Cut(line, " ")
		if !ok {
			ctx.log().Debug("skipping malformed oem var line", "line", line)
			continue
		}

		if err := ctx.Vars.SetString(efivar.FastbootGUID, name, strings.TrimSpace(value)); err != nil {
			return err
		}
	}
	return sc.Err()
}
