package plc

import (
	"testing"

	"fandomat.dev/kiosk/register"
)

// newTestDevice builds a Device with no serial port attached, for exercising
// the register-table and bit-level logic without opening real hardware.
func newTestDevice() *Device {
	d := &Device{
		table: make(map[uint16]uint16, registerBlockCount),
		slave: 2,
	}
	d.status = register.New(d, RegStatus)
	d.command = register.New(d, RegCommand)
	d.speed = register.New(d, RegSpeed)
	d.bottleCounter = register.New(d, RegBottleCounter)
	d.bankCounter = register.New(d, RegBankCounter)
	d.bottlePercent = register.New(d, RegBottlePercent)
	d.bankPercent = register.New(d, RegBankPercent)
	return d
}

func TestCrc16KnownVector(t *testing.T) {
	// Read holding registers, slave 1, addr 0, qty 2: 01 03 00 00 00 02, CRC C4 0B.
	got := crc16([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02})
	want := uint16(0x0BC4)
	if got != want {
		t.Fatalf("crc16 = %#04x, want %#04x", got, want)
	}
}

func TestStatusBitsReflectDeviceWrites(t *testing.T) {
	d := newTestDevice()

	// Simulate the bus master publishing a status word directly into the
	// holding-register table, then the poller pulling it in via Update.
	d.SetRegister(RegStatus, 1<<StatusVeilPresent|1<<StatusBankExist)
	d.Update()

	if !d.VeilPresent() {
		t.Fatalf("expected VeilPresent")
	}
	if !d.BankExist() {
		t.Fatalf("expected BankExist")
	}
	if d.BottleExist() {
		t.Fatalf("BottleExist should be false")
	}
}

func TestCommandBitsWriteThroughToTable(t *testing.T) {
	d := newTestDevice()

	d.LockAndBlockCarriage()
	d.SetDetectedBank(true)

	got := d.GetRegister(RegCommand)
	want := uint16(1<<CmdLockBlockCarriage | 1<<CmdRadxaDetectedBank)
	if got != want {
		t.Fatalf("command register = %#b, want %#b", got, want)
	}
}

func TestFullClearCommandZeroesRegister(t *testing.T) {
	d := newTestDevice()
	d.ForceCarriageLeft()
	d.ForceCarriageRight()

	d.FullClearCommand()

	if d.CommandWord() != 0 {
		t.Fatalf("CommandWord() = %#x, want 0", d.CommandWord())
	}
	if d.GetRegister(RegCommand) != 0 {
		t.Fatalf("backend command register not cleared")
	}
}

func TestHandleReadHoldingRespectsBlockRange(t *testing.T) {
	d := newTestDevice()
	d.SetRegister(RegBankCounter, 7)
	d.SetRegister(RegBottleCounter, 9)

	// start=20 (0x14), qty=2
	req := []byte{2, fcReadHolding, 0x00, 0x14, 0x00, 0x02}
	c := crc16(req)
	req = append(req, byte(c), byte(c>>8))

	if err := d.handleFrame(req); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
}

func TestHandleFrameRejectsBadCRC(t *testing.T) {
	d := newTestDevice()
	req := []byte{2, fcReadHolding, 0x00, 0x14, 0x00, 0x02, 0x00, 0x00}
	if err := d.handleFrame(req); err == nil {
		t.Fatalf("expected crc mismatch error")
	}
}

func TestHandleFrameIgnoresOtherSlaveAddress(t *testing.T) {
	d := newTestDevice()
	req := []byte{9, fcReadHolding, 0x00, 0x14, 0x00, 0x02}
	c := crc16(req)
	req = append(req, byte(c), byte(c>>8))

	if err := d.handleFrame(req); err != nil {
		t.Fatalf("handleFrame for foreign slave address should be a silent no-op, got %v", err)
	}
}

func TestHandleWriteSingleUpdatesTable(t *testing.T) {
	d := newTestDevice()
	req := []byte{2, fcWriteSingle, 0x00, byte(RegSpeed), 0x01, 0xF4} // 500
	c := crc16(req)
	req = append(req, byte(c), byte(c>>8))

	if err := d.handleFrame(req); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	if got := d.GetRegister(RegSpeed); got != 500 {
		t.Fatalf("register %d = %d, want 500", RegSpeed, got)
	}
}
