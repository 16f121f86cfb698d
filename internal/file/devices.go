package file

import (
	"bytes"
	"context"
	"sync"

	"rv6/internal/defs"
)

// Console is the D_CONSOLE device: a byte-stream backed by whatever
// terminal collaborator the simulator wires in (spec.md §1 places the
// actual UART/line-editor out of scope; this is the minimal in-memory
// stand-in so open/read/write of "/console" exercises the same
// dispatch path a real tty device would).
type Console struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewConsole constructs an empty in-memory console device.
func NewConsole() *Console { return &Console{} }

// Write appends src to the console's output buffer, standing in for
// writing bytes out the UART.
func (c *Console) Write(ctx context.Context, src []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.buf.Write(src)
	return n, 0
}

// Read drains up to len(dst) bytes previously written to the console,
// standing in for the cooked-mode line editor's input queue.
func (c *Console) Read(ctx context.Context, dst []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.buf.Read(dst)
	return n, 0
}

// Output returns (and does not consume) everything written so far, for
// tests asserting on console output.
func (c *Console) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

// Null is the D_DEVNULL device: reads report EOF, writes discard.
type Null struct{}

func (Null) Read(ctx context.Context, dst []byte) (int, defs.Err_t)  { return 0, 0 }
func (Null) Write(ctx context.Context, src []byte) (int, defs.Err_t) { return len(src), 0 }
