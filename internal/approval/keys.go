package approval

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/term"
)

const (
	keyCtrlC  = 0x03
	keyEscape = 0x1b
)

// TerminalKeys switches f to raw mode and reports key presses, including
// auto-repeat while a key is held. Esc and Ctrl+C arrive as aborts. Call
// restore to leave raw mode; the reader goroutine exits on its next read
// after ctx ends.
func TerminalKeys(ctx context.Context, f *os.File) (keys <-chan Key, restore func() error, err error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil, fmt.Errorf("%s is not a terminal", f.Name())
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, fmt.Errorf("enter raw mode: %w", err)
	}

	ch := make(chan Key, 16)
	go func() {
		defer close(ch)
		buf := make([]byte, 16)
		for {
			n, err := f.Read(buf)
			if err != nil || ctx.Err() != nil {
				return
			}
			k := Key{At: time.Now(), Abort: isAbort(buf[:n])}
			select {
			case ch <- k:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, func() error { return term.Restore(fd, old) }, nil
}

// isAbort reports whether a read chunk is Ctrl+C or a lone Esc. Escape
// sequences (arrow keys) start with Esc too but arrive as one longer chunk.
func isAbort(b []byte) bool {
	if len(b) == 1 && b[0] == keyEscape {
		return true
	}
	for _, c := range b {
		if c == keyCtrlC {
			return true
		}
	}
	return false
}
