// Package coordinator implements the kiosk's control-plane state machine:
// it fuses Modbus status bits and vision-peer replies under a time
// budget, arbitrates outbound PLC commands, and dispatches operator
// commands arriving over the Peer Hub. It is the direct descendant of
// the original's application.py main loop, restated as an explicit Go
// state machine instead of a single asyncio coroutine.
package coordinator

import (
	"encoding/json"
	"time"

	"fandomat.dev/kiosk/events"
)

// State is one of the five FSM states (spec §4.5.1).
type State int

const (
	StateIdle State = iota
	StateWaitingVision
	StateDumpingPlastic
	StateDumpingAluminum
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaitingVision:
		return "WAITING_VISION"
	case StateDumpingPlastic:
		return "DUMPING_PLASTIC"
	case StateDumpingAluminum:
		return "DUMPING_ALUMINUM"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Container type tokens used on the wire and in PLC detection bookkeeping.
const (
	ContainerPlastic  = "plastic"
	ContainerAluminum = "aluminum"
	ContainerNone     = "none"
)

const (
	visionTimeout        = 2 * time.Second
	dumpTimeout           = 3 * time.Second
	carriageResetTimeout = 2 * time.Second
)

const (
	appPeer    = "app"
	visionPeer = "vision"
)

// Device is the subset of plc.Device the Coordinator depends on. It also
// satisfies events.DeviceState so the Emitter can observe the same handle.
type Device interface {
	VeilPresent() bool
	LeftSensor() bool
	CenterSensor() bool
	RightSensor() bool
	BottleExist() bool
	BankExist() bool
	WeightError() bool
	WeightTooSmall() bool
	LeftMovementError() bool
	RightMovementError() bool
	BottleCount() uint16
	BankCount() uint16
	BottleFillPercent() uint16
	BankFillPercent() uint16
	SetDetectedBottle(bool)
	SetDetectedBank(bool)
	ForceCarriageLeft()
	ForceCarriageRight()
	ResetBankCounter()
	ResetBottleCounter()
	ResetWeightErrorLatch()
	ResetWeightReading()
	FullClearCommand()
}

// Hub is the subset of peerhub.Hub the Coordinator depends on.
type Hub interface {
	GetCommand(name string) (json.RawMessage, bool)
	GetState(name string) (json.RawMessage, bool)
	IsJustConnected(name string) bool
	Send(name string, v interface{}) error
	Broadcast(v interface{})
}

// Coordinator is the state machine plus command dispatcher.
type Coordinator struct {
	device  Device
	hub     Hub
	emitter *events.Emitter
	now     func() time.Time
	photoDir             string
	visionTimeoutSeconds int

	state State

	currentPLCDetection string // "none", ContainerPlastic, ContainerAluminum
	pendingVisionResponse string // "" (absent), "none", ContainerPlastic, ContainerAluminum

	visionRequestTime time.Time
	dumpStartedTime   time.Time
	veilClearedTime   time.Time

	prevVeilState      bool
	inferenceRequested bool

	carriageMovingBottle      bool
	carriageMovingBottleStart time.Time
	carriageMovingBank        bool
	carriageMovingBankStart   time.Time

	doorLocked   bool
	deviceConfig json.RawMessage
}

// Config bundles the construction-time parameters the Coordinator needs
// from config.Settings without importing that package directly.
type Config struct {
	PhotoDir             string
	VisionTimeoutSeconds int
}

// New returns an IDLE Coordinator wired to device and hub.
func New(device Device, hub Hub, cfg Config) *Coordinator {
	if cfg.VisionTimeoutSeconds == 0 {
		cfg.VisionTimeoutSeconds = 2
	}
	return &Coordinator{
		device:               device,
		hub:                  hub,
		emitter:              events.New(hub),
		now:                  time.Now,
		photoDir:             cfg.PhotoDir,
		visionTimeoutSeconds: cfg.VisionTimeoutSeconds,
		state:                StateIdle,
		currentPLCDetection:  ContainerNone,
	}
}

// State returns the Coordinator's current FSM state.
func (c *Coordinator) State() State { return c.state }

// Tick runs exactly one pass of the main loop (spec §4.5.2). cmd/kiosk
// calls it every ~10ms from a dedicated goroutine. Tick performs no serial
// I/O (device commands only update the in-memory register table), but every
// event it emits goes through Hub.Send, which writes to the peer's socket
// synchronously, so a slow peer delays the tick.
func (c *Coordinator) Tick() {
	now := c.now()

	switch c.state {
	case StateDumpingPlastic:
		c.evalDumpCompletion(now, c.device.LeftSensor, ContainerPlastic, c.device.BottleCount, "carriage_left_timeout")
	case StateDumpingAluminum:
		c.evalDumpCompletion(now, c.device.RightSensor, ContainerAluminum, c.device.BankCount, "carriage_right_timeout")
	}

	c.clearExpiredLatches(now)

	switch c.state {
	case StateWaitingVision:
		c.tickWaitingVision(now)
	case StateError:
		c.tickError()
	case StateIdle:
		c.tickIdle(now)
	}

	c.emitter.Observe(c.device)
}

// clearExpiredLatches lowers command bits 6/7 once carriageResetTimeout has
// elapsed since they were set (spec §4.5.2 step 2, §4.5.4). It is the only
// place that clears those two bits on their own; FullClearCommand, issued
// when a dump completes or times out, also zeroes them along with the rest
// of the command word.
func (c *Coordinator) clearExpiredLatches(now time.Time) {
	if c.carriageMovingBottle && now.Sub(c.carriageMovingBottleStart) > carriageResetTimeout {
		c.device.SetDetectedBottle(false)
		c.carriageMovingBottle = false
	}
	if c.carriageMovingBank && now.Sub(c.carriageMovingBankStart) > carriageResetTimeout {
		c.device.SetDetectedBank(false)
		c.carriageMovingBank = false
	}
}

func (c *Coordinator) evalDumpCompletion(now time.Time, sensor func() bool, containerType string, counter func() uint16, timeoutCode string) {
	if sensor() {
		c.device.FullClearCommand()
		c.state = StateIdle
		n := counter()
		c.dumpStartedTime = time.Time{}
		c.emit("container_accepted", map[string]interface{}{
			"container_type": containerType,
			"counter":        n,
		})
		return
	}
	if now.Sub(c.dumpStartedTime) > dumpTimeout {
		c.device.FullClearCommand()
		c.state = StateError
		c.emit("hardware_error", map[string]string{"error_code": timeoutCode})
	}
}

func (c *Coordinator) tickIdle(now time.Time) {
	if c.hub.IsJustConnected(appPeer) {
		c.emitDeviceInfo()
	}

	veil := c.device.VeilPresent()
	containerDetected := c.device.BottleExist() || c.device.BankExist()
	if !containerDetected {
		c.inferenceRequested = false
	}

	if c.prevVeilState && !veil && !c.inferenceRequested {
		c.armVisionRequest(now)
	} else if veil {
		c.veilClearedTime = time.Time{}
	}
	c.prevVeilState = veil

	if msg, ok := c.hub.GetCommand(appPeer); ok {
		c.dispatchAppCommand(msg)
	}
}

func (c *Coordinator) armVisionRequest(now time.Time) {
	c.inferenceRequested = true
	c.veilClearedTime = now
	c.visionRequestTime = now

	switch {
	case c.device.BottleExist():
		c.currentPLCDetection = ContainerPlastic
	case c.device.BankExist():
		c.currentPLCDetection = ContainerAluminum
	default:
		c.currentPLCDetection = ContainerNone
	}

	detectedType := c.currentPLCDetection
	if detectedType == ContainerNone {
		detectedType = "unknown"
	}
	c.emit("container_detected", map[string]string{"container_type": detectedType})

	c.hub.GetCommand(visionPeer) // drain any stale reply
	c.pendingVisionResponse = ""
	c.hub.Send(visionPeer, "bottle_exist")

	c.state = StateWaitingVision
}

func (c *Coordinator) emit(event string, data interface{}) {
	c.hub.Send(appPeer, events.Envelope{
		Event:     event,
		Data:      data,
		Timestamp: events.Now(c.now()),
	})
}

func (c *Coordinator) emitDeviceInfo() {
	c.emit("device_info", c.deviceInfoPayload())
}

func (c *Coordinator) deviceInfoPayload() map[string]interface{} {
	return map[string]interface{}{
		"bottle_count":        c.device.BottleCount(),
		"bank_count":          c.device.BankCount(),
		"bottle_fill_percent": c.device.BottleFillPercent(),
		"bank_fill_percent":   c.device.BankFillPercent(),
		"state":               c.state.String(),
		"left_sensor":         c.device.LeftSensor(),
		"center_sensor":       c.device.CenterSensor(),
		"right_sensor":        c.device.RightSensor(),
		"weight_error":        c.device.WeightError(),
		"door_locked":         c.doorLocked,
	}
}
