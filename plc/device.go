// Package plc owns the Modbus-RTU slave line to the recycling kiosk's
// logic controller: the carriage, veil, weight sensors and bin counters.
// It opens the serial port the way the teacher's engraver driver does
// (seedhammer.com/mjolnir.Open: fixed framing, github.com/tarm/serial),
// but the wire protocol itself is Modbus RTU rather than a bespoke binary
// command stream — this process is the RTU *slave*; the physical
// controller is the bus master that polls and writes the holding-register
// block as sensors fire and commands are observed.
package plc

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tarm/serial"

	"fandomat.dev/kiosk/register"
)

// Register addresses, fixed by the controller's firmware (spec §6.1).
const (
	RegBankCounter     = 20
	RegBottleCounter   = 21
	RegBottlePercent   = 22
	RegBankPercent     = 23
	RegSpeed           = 24
	RegCommand         = 25
	RegStatus          = 26
	registerBlockBase  = 10
	registerBlockCount = 17
)

// Status bits (read), see spec §3.
const (
	StatusVeilPresent = iota
	StatusLeftSensor
	StatusCenterSensor
	StatusRightSensor
	StatusUnknownSensor
	StatusWeightError
	StatusBankExist
	StatusBottleExist
	StatusWeightTooSmall
	StatusBottleWeightOK
	StatusBankWeightOK
	StatusWorking
	StatusLeftMovementError
	StatusRightMovementError
)

// Command bits (read/write), see spec §3.
const (
	CmdLockBlockCarriage = iota
	CmdResetWeightError
	CmdResetBankCounter
	CmdResetBottleCounter
	CmdForceCarriageLeft
	CmdForceCarriageRight
	CmdRadxaDetectedBank
	CmdRadxaDetectedBottle
	CmdResetWeightReading
)

// Config holds the parameters needed to open the RTU line and the holding
// register block, mirroring the environment variables in spec §6.3.
type Config struct {
	SerialPort  string
	Baud        int
	SlaveAddr   byte
	CmdRegister uint16
	StatusReg   uint16
	Speed       uint16
}

// Device is the Device Driver: it owns the serial handle and the seven
// Register Cells, and serializes all device I/O under one lock.
type Device struct {
	cfg  Config
	port *serial.Port

	ioMu sync.Mutex // serializes all device I/O, including Cell write-through

	table map[uint16]uint16 // the holding-register block, addr -> value
	slave byte

	status         *register.Cell
	command        *register.Cell
	speed          *register.Cell
	bottleCounter  *register.Cell
	bankCounter    *register.Cell
	bottlePercent  *register.Cell
	bankPercent    *register.Cell

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens the serial port with fixed 8-N-1 framing at the configured
// baud, allocates the holding-register block, writes the initial speed,
// and starts the RTU slave responder loop.
func Open(cfg Config) (*Device, error) {
	if cfg.CmdRegister == 0 {
		cfg.CmdRegister = RegCommand
	}
	if cfg.StatusReg == 0 {
		cfg.StatusReg = RegStatus
	}
	sc := &serial.Config{
		Name:        cfg.SerialPort,
		Baud:        cfg.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 20 * time.Millisecond,
	}
	port, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("plc: open %s: %w", cfg.SerialPort, err)
	}

	d := &Device{
		cfg:    cfg,
		port:   port,
		table:  make(map[uint16]uint16, registerBlockCount),
		slave:  cfg.SlaveAddr,
		stopCh: make(chan struct{}),
	}
	d.status = register.New(d, cfg.StatusReg)
	d.command = register.New(d, cfg.CmdRegister)
	d.speed = register.New(d, RegSpeed)
	d.bottleCounter = register.New(d, RegBottleCounter)
	d.bankCounter = register.New(d, RegBankCounter)
	d.bottlePercent = register.New(d, RegBottlePercent)
	d.bankPercent = register.New(d, RegBankPercent)

	d.speed.SetValue(cfg.Speed)

	d.wg.Add(1)
	go d.serve()

	return d, nil
}

// SetRegister implements register.Backend: it publishes value into the
// shared holding-register table under the device's single I/O lock, so
// register-to-register ordering is defined the same way sibling Cell
// writes are.
func (d *Device) SetRegister(addr uint16, value uint16) {
	d.ioMu.Lock()
	d.table[addr] = value
	d.ioMu.Unlock()
}

// GetRegister implements register.Backend.
func (d *Device) GetRegister(addr uint16) uint16 {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	return d.table[addr]
}

// --- status getters (spec §3) ---

func (d *Device) VeilPresent() bool       { return d.status.GetBit(StatusVeilPresent) }
func (d *Device) LeftSensor() bool        { return d.status.GetBit(StatusLeftSensor) }
func (d *Device) CenterSensor() bool      { return d.status.GetBit(StatusCenterSensor) }
func (d *Device) RightSensor() bool       { return d.status.GetBit(StatusRightSensor) }
func (d *Device) UnknownSensor() bool     { return d.status.GetBit(StatusUnknownSensor) }
func (d *Device) WeightError() bool       { return d.status.GetBit(StatusWeightError) }
func (d *Device) BankExist() bool         { return d.status.GetBit(StatusBankExist) }
func (d *Device) BottleExist() bool       { return d.status.GetBit(StatusBottleExist) }
func (d *Device) WeightTooSmall() bool    { return d.status.GetBit(StatusWeightTooSmall) }
func (d *Device) BottleWeightOK() bool    { return d.status.GetBit(StatusBottleWeightOK) }
func (d *Device) BankWeightOK() bool      { return d.status.GetBit(StatusBankWeightOK) }
func (d *Device) Working() bool           { return d.status.GetBit(StatusWorking) }
func (d *Device) LeftMovementError() bool { return d.status.GetBit(StatusLeftMovementError) }
func (d *Device) RightMovementError() bool {
	return d.status.GetBit(StatusRightMovementError)
}

// --- counters / fill percentages (spec §3) ---

func (d *Device) BottleCount() uint16       { return d.bottleCounter.GetValue() }
func (d *Device) BankCount() uint16         { return d.bankCounter.GetValue() }
func (d *Device) BottleFillPercent() uint16 { return d.bottlePercent.GetValue() }
func (d *Device) BankFillPercent() uint16   { return d.bankPercent.GetValue() }

// --- command methods (spec §3); set=request, coordinator clears when appropriate ---

func (d *Device) LockAndBlockCarriage()   { d.command.SetBit(CmdLockBlockCarriage, true) }
func (d *Device) ResetWeightErrorLatch()  { d.command.SetBit(CmdResetWeightError, true) }
func (d *Device) ResetBankCounter()       { d.command.SetBit(CmdResetBankCounter, true) }
func (d *Device) ResetBottleCounter()     { d.command.SetBit(CmdResetBottleCounter, true) }
func (d *Device) ForceCarriageLeft()      { d.command.SetBit(CmdForceCarriageLeft, true) }
func (d *Device) ForceCarriageRight()     { d.command.SetBit(CmdForceCarriageRight, true) }
func (d *Device) SetDetectedBank(v bool)  { d.command.SetBit(CmdRadxaDetectedBank, v) }
func (d *Device) SetDetectedBottle(v bool) {
	d.command.SetBit(CmdRadxaDetectedBottle, v)
}
func (d *Device) ResetWeightReading() { d.command.SetBit(CmdResetWeightReading, true) }

// FullClearCommand writes the whole command word to zero.
func (d *Device) FullClearCommand() {
	d.command.ResetAllBits()
}

// CommandWord returns the raw command register, mostly for tests asserting
// the "full clear leaves register 25 equal to zero" invariant (spec §8).
func (d *Device) CommandWord() uint16 { return d.command.GetValue() }

// Update re-reads status, both counters, and both percents in one
// serialized pass. It is the only path that refreshes the cached snapshot
// the rest of the system reads.
func (d *Device) Update() {
	d.status.SyncFromDevice()
	d.bottleCounter.SyncFromDevice()
	d.bankCounter.SyncFromDevice()
	d.bottlePercent.SyncFromDevice()
	d.bankPercent.SyncFromDevice()
}

// Stop closes the serial port and shuts down the RTU responder loop.
func (d *Device) Stop() {
	close(d.stopCh)
	d.port.Close()
	d.wg.Wait()
}

// serve is the RTU slave responder loop: it answers the bus master's
// holding-register reads and writes against the shared table. A malformed
// frame or a failed reply write is logged and absorbed, and read timeouts or
// read errors are skipped without logging; the cached word is left
// unchanged and the loop keeps serving — there is no retry at this layer,
// by design (spec §4.2).
func (d *Device) serve() {
	defer d.wg.Done()
	buf := make([]byte, 256)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		n, err := d.port.Read(buf)
		if err != nil {
			continue // timeout or transient read error; keep polling
		}
		if n == 0 {
			continue
		}
		frame := buf[:n]
		if err := d.handleFrame(frame); err != nil {
			log.Printf("plc: frame error: %v", err)
		}
	}
}

func (d *Device) handleFrame(frame []byte) error {
	if len(frame) < 4 {
		return fmt.Errorf("short frame (%d bytes)", len(frame))
	}
	payload, crcGot := frame[:len(frame)-2], frame[len(frame)-2:]
	wantCRC := crc16(payload)
	gotCRC := uint16(crcGot[0]) | uint16(crcGot[1])<<8
	if wantCRC != gotCRC {
		return fmt.Errorf("crc mismatch: want %04x got %04x", wantCRC, gotCRC)
	}
	if payload[0] != d.slave {
		return nil // not addressed to us
	}
	switch payload[1] {
	case fcReadHolding:
		return d.handleReadHolding(payload)
	case fcWriteSingle:
		return d.handleWriteSingle(payload)
	case fcWriteMultiple:
		return d.handleWriteMultiple(payload)
	default:
		return fmt.Errorf("unsupported function code %#x", payload[1])
	}
}

const (
	fcReadHolding   = 0x03
	fcWriteSingle   = 0x06
	fcWriteMultiple = 0x10
)

func (d *Device) handleReadHolding(req []byte) error {
	if len(req) < 6 {
		return fmt.Errorf("short read request")
	}
	start := uint16(req[2])<<8 | uint16(req[3])
	qty := uint16(req[4])<<8 | uint16(req[5])
	if start < registerBlockBase || int(start-registerBlockBase)+int(qty) > registerBlockCount {
		return fmt.Errorf("read out of block range: start=%d qty=%d", start, qty)
	}
	resp := make([]byte, 0, 5+2*qty)
	resp = append(resp, d.slave, fcReadHolding, byte(2*qty))
	d.ioMu.Lock()
	for i := uint16(0); i < qty; i++ {
		v := d.table[start+i]
		resp = append(resp, byte(v>>8), byte(v))
	}
	d.ioMu.Unlock()
	return d.writeFrame(resp)
}

func (d *Device) handleWriteSingle(req []byte) error {
	if len(req) < 6 {
		return fmt.Errorf("short write-single request")
	}
	addr := uint16(req[2])<<8 | uint16(req[3])
	val := uint16(req[4])<<8 | uint16(req[5])
	if addr < registerBlockBase || int(addr-registerBlockBase) >= registerBlockCount {
		return fmt.Errorf("write out of block range: addr=%d", addr)
	}
	d.ioMu.Lock()
	d.table[addr] = val
	d.ioMu.Unlock()
	return d.writeFrame(req[:6])
}

func (d *Device) handleWriteMultiple(req []byte) error {
	if len(req) < 7 {
		return fmt.Errorf("short write-multiple request")
	}
	start := uint16(req[2])<<8 | uint16(req[3])
	qty := uint16(req[4])<<8 | uint16(req[5])
	byteCount := int(req[6])
	if len(req) < 7+byteCount {
		return fmt.Errorf("truncated write-multiple payload")
	}
	if start < registerBlockBase || int(start-registerBlockBase)+int(qty) > registerBlockCount {
		return fmt.Errorf("write out of block range: start=%d qty=%d", start, qty)
	}
	d.ioMu.Lock()
	for i := uint16(0); i < qty; i++ {
		off := 7 + int(i)*2
		v := uint16(req[off])<<8 | uint16(req[off+1])
		d.table[start+i] = v
	}
	d.ioMu.Unlock()
	resp := []byte{d.slave, fcWriteMultiple, byte(start >> 8), byte(start), byte(qty >> 8), byte(qty)}
	return d.writeFrame(resp)
}

func (d *Device) writeFrame(payload []byte) error {
	if d.port == nil {
		return nil // no serial line attached; nothing to send
	}
	c := crc16(payload)
	frame := append(payload, byte(c), byte(c>>8))
	_, err := d.port.Write(frame)
	return err
}
