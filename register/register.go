// Package register implements a single 16-bit Modbus holding register with
// atomic bit/word access, write-through to the backend on every mutation,
// and an explicit sync-from-device primitive, in the style of the teacher's hand-rolled protocol drivers
// (seedhammer.com/mjolnir): a thin, lock-protected wrapper around a shared
// backend rather than a full abstraction layer.
package register

import "sync"

// Backend is the shared register file a Cell publishes into and reads out
// of. In this control-plane, the backend is the in-memory holding-register
// table that the RTU slave responder answers the bus master's polls from
// (see package plc) — a Cell's writes don't themselves perform serial I/O.
type Backend interface {
	SetRegister(addr uint16, value uint16)
	GetRegister(addr uint16) uint16
}

// Cell is a single 16-bit holding register. Every operation is linearizable
// with respect to any other operation on the same Cell; Cell does not
// serialize with other Cells of the same device — the owning driver's own
// lock does that (see plc.Device).
type Cell struct {
	mu      sync.Mutex
	backend Backend
	addr    uint16
	word    uint16
}

// New returns a Cell bound to addr on backend. The in-memory word starts at
// zero until the first SyncFromDevice or SetValue.
func New(backend Backend, addr uint16) *Cell {
	return &Cell{backend: backend, addr: addr}
}

// SetBit atomically updates bit n of the word to v, then writes the word
// through to the backend.
func (c *Cell) SetBit(n uint, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v {
		c.word |= 1 << n
	} else {
		c.word &^= 1 << n
	}
	c.backend.SetRegister(c.addr, c.word)
}

// GetBit reads bit n from the in-memory word (as of the latest sync).
func (c *Cell) GetBit(n uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.word>>n)&1 == 1
}

// SetValue replaces the whole word and writes it through to the backend.
func (c *Cell) SetValue(w uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.word = w
	c.backend.SetRegister(c.addr, w)
}

// GetValue returns the whole in-memory word.
func (c *Cell) GetValue() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.word
}

// ResetAllBits sets the word to zero and writes it through.
func (c *Cell) ResetAllBits() {
	c.SetValue(0)
}

// SyncFromDevice re-reads the backend's current value for this register
// into the in-memory word.
func (c *Cell) SyncFromDevice() {
	v := c.backend.GetRegister(c.addr)
	c.mu.Lock()
	c.word = v
	c.mu.Unlock()
}
