package register

import "testing"

type fakeBackend struct {
	table map[uint16]uint16
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{table: make(map[uint16]uint16)}
}

func (f *fakeBackend) SetRegister(addr uint16, value uint16) {
	f.table[addr] = value
}

func (f *fakeBackend) GetRegister(addr uint16) uint16 {
	return f.table[addr]
}

func TestSetBitWritesThrough(t *testing.T) {
	b := newFakeBackend()
	c := New(b, 26)

	c.SetBit(0, true)
	c.SetBit(7, true)

	if got := b.GetRegister(26); got != 0b1000_0001 {
		t.Fatalf("backend register = %#b, want %#b", got, 0b1000_0001)
	}
	if !c.GetBit(0) || !c.GetBit(7) {
		t.Fatalf("expected bits 0 and 7 set")
	}
	if c.GetBit(1) {
		t.Fatalf("bit 1 should be clear")
	}
}

func TestClearBit(t *testing.T) {
	b := newFakeBackend()
	c := New(b, 25)
	c.SetValue(0xffff)

	c.SetBit(6, false)

	if c.GetBit(6) {
		t.Fatalf("bit 6 should be clear after SetBit(6, false)")
	}
	if got := b.GetRegister(25); got != 0xffff&^(1<<6) {
		t.Fatalf("backend register = %#x", got)
	}
}

func TestResetAllBits(t *testing.T) {
	b := newFakeBackend()
	c := New(b, 25)
	c.SetValue(0xabcd)

	c.ResetAllBits()

	if c.GetValue() != 0 {
		t.Fatalf("GetValue() = %#x, want 0", c.GetValue())
	}
	if b.GetRegister(25) != 0 {
		t.Fatalf("backend register not cleared")
	}
}

func TestSyncFromDevice(t *testing.T) {
	b := newFakeBackend()
	c := New(b, 20)

	b.SetRegister(20, 42) // the bus master writes behind our back
	if c.GetValue() != 0 {
		t.Fatalf("cell should still read stale 0 before sync")
	}

	c.SyncFromDevice()
	if c.GetValue() != 42 {
		t.Fatalf("GetValue() = %d, want 42", c.GetValue())
	}
}
