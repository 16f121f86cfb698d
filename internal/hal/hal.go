// Package hal packages the external collaborators spec.md §1 places
// out of scope (boot/trap trampolines, the UART driver, the PLIC
// interrupt controller, the console line editor) as the narrow
// interfaces the core actually consumes, so §4.F/§4.M can be
// implemented and tested without emulating real MMIO. This is the Go
// expression of spec.md §1's "the spec treats these as opaque
// producers of hardware-thread identifiers, byte streams, interrupt
// signals."
package hal

// IRQLine is the PLIC claim/complete contract spec.md §4.F's external
// interrupt path drives: claim the next pending IRQ (ok=false if none
// is pending), handle it, then signal completion back to the
// controller.
type IRQLine interface {
	Claim() (irq uint32, ok bool)
	Complete(irq uint32)
}

// Source IDs the simulated PLIC hands out, matching the two device
// classes spec.md §4.F's user_trap dispatch distinguishes.
const (
	IRQUART  = 10
	IRQVirtIO = 1
)

// UART is the byte-stream collaborator spec.md §1 calls out as out of
// scope, reduced to the two operations the trap dispatcher needs from
// it.
type UART interface {
	PutByte(b byte)
	GetByte() (b byte, ok bool)
}

// Ticker is the supervisor-timer collaborator: reprogramming "the next
// timer compare register ~0.1s ahead" (spec.md §4.F) is delegated to
// whatever drives the simulated clock; the trap dispatcher only needs
// to be told it fired.
type Ticker interface {
	ArmNext()
}
