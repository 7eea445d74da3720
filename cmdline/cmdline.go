// Package cmdline composes the kernel command line. Arguments are
// prepended, never appended, so image-supplied text keeps the last word:
// a duplicated parameter is won by the later occurrence, and the image's
// own arguments sit at the end of the line.
package cmdline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotASCII reports a command line carrying bytes outside 7-bit ASCII.
// The kernel setup protocol takes an ASCII string; anything else is a
// hard failure, not something to mangle quietly.
var ErrNotASCII = errors.New("cmdline: non-ASCII byte in command line")

// Builder accumulates prepended arguments in front of a base command
// line. Each Prepend lands in front of everything added before it.
type Builder struct {
	parts []string
	base  string
}

func New(base string) *Builder {
	return &Builder{base: base}
}

// Prepend places arg at the current front of the line. Empty arguments
// are dropped.
func (b *Builder) Prepend(arg string) {
	arg = strings.TrimSpace(arg)
	if arg != "" {
		b.parts = append(b.parts, arg)
	}
}

func (b *Builder) Prependf(format string, args ...any) {
	b.Prepend(fmt.Sprintf(format, args...))
}

// String assembles the line: prepends in most-recent-first order, then
// the base.
func (b *Builder) String() string {
	var sb strings.Builder
	for i := len(b.parts) - 1; i >= 0; i-- {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(b.parts[i])
	}
	if b.base != "" {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(b.base)
	}
	return sb.String()
}

// Bytes returns the assembled line as a NUL-terminated ASCII buffer.
func (b *Builder) Bytes() ([]byte, error) {
	s := b.String()
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return nil, fmt.Errorf("%w: 0x%02x at %d", ErrNotASCII, s[i], i)
		}
	}
	return append([]byte(s), 0), nil
}

// Classify splits a composed command line for boot image v4 handover:
// androidboot.* parameters move into the bootconfig parameter list, the
// rest stays on the kernel command line. A parameter without a value is
// rewritten to "=unknown" so the bootconfig parser never sees a bare key.
func Classify(line string) (kernel string, bootconfig []string) {
	var kept []string
	for _, tok := range strings.Fields(line) {
		if !strings.HasPrefix(tok, "androidboot.") {
			kept = append(kept, tok)
			continue
		}

		switch {
		case !strings.Contains(tok, "="):
			tok += "=unknown"
		case strings.HasSuffix(tok, "="):
			tok += "unknown"
		}
		bootconfig = append(bootconfig, tok)
	}
	return strings.Join(kept, " "), bootconfig
}
