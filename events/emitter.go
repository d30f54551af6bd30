// Package events derives edge-triggered notifications from the Device
// Driver's polled status bits and pushes them to the operator app peer,
// the way the original's application loop diffed each poll against the
// previous one and called create_event/send_event_to_app on transitions.
package events

import "time"

// Sink is the narrow surface Emitter needs from the Peer Hub: broadcast a
// JSON-shaped event to the operator app.
type Sink interface {
	Send(name string, v interface{}) error
}

// DeviceState is the subset of plc.Device's status bits the emitter needs.
// Observe accepts this interface, not a concrete *plc.Device, so the edge
// logic can be exercised with a fake snapshot in tests.
type DeviceState interface {
	BankExist() bool
	BottleExist() bool
	WeightError() bool
	WeightTooSmall() bool
	LeftMovementError() bool
	RightMovementError() bool
}

const appPeerName = "app"

// Envelope is the wire shape of every emitted event, matching the
// original's create_event: {event, data, timestamp}.
type Envelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// Now formats t as the ISO-8601/RFC3339 timestamp every emitted event carries.
func Now(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Emitter watches a snapshot of Device state across successive polls and
// emits rising/falling edge events. It holds no lock of its own: callers
// must serialize calls to Observe (the Coordinator's tick loop already
// does, since it owns the single poll-then-react cadence).
type Emitter struct {
	sink Sink
	now  func() time.Time

	prevReceiverOccupied bool
	prevWeightError      bool
	prevWeightTooSmall   bool
	prevLeftMoveError    bool
	prevRightMoveError   bool
	first                bool
}

// New returns an Emitter that publishes through sink.
func New(sink Sink) *Emitter {
	return &Emitter{sink: sink, now: time.Now, first: true}
}

// Observe takes one poll snapshot of d and emits any edge-triggered events
// it implies. Receiver occupancy is bank-exist OR bottle-exist, matching
// the original's combined "receiver" sensor concept.
func (e *Emitter) Observe(d DeviceState) {
	occupied := d.BankExist() || d.BottleExist()

	if e.first {
		// Don't synthesize an edge from the very first observation; there is
		// no prior sample to compare against.
		e.prevReceiverOccupied = occupied
		e.prevWeightError = d.WeightError()
		e.prevWeightTooSmall = d.WeightTooSmall()
		e.prevLeftMoveError = d.LeftMovementError()
		e.prevRightMoveError = d.RightMovementError()
		e.first = false
		return
	}

	if occupied && !e.prevReceiverOccupied {
		e.emit("receiver_not_empty", nil)
	} else if !occupied && e.prevReceiverOccupied {
		e.emit("receiver_empty", nil)
	}
	e.prevReceiverOccupied = occupied

	e.edgeError(d.WeightError(), &e.prevWeightError, "weight_error", "Weight sensor reports an error state")
	e.edgeError(d.WeightTooSmall(), &e.prevWeightTooSmall, "weight_too_small", "Item weight is below the acceptance threshold")
	e.edgeError(d.LeftMovementError(), &e.prevLeftMoveError, "left_movement_error", "Carriage failed to complete a left movement")
	e.edgeError(d.RightMovementError(), &e.prevRightMoveError, "right_movement_error", "Carriage failed to complete a right movement")
}

func (e *Emitter) edgeError(cur bool, prev *bool, code, message string) {
	if cur && !*prev {
		e.emit("hardware_error", map[string]string{
			"error_code":    code,
			"error_message": message,
		})
	}
	*prev = cur
}

func (e *Emitter) emit(event string, data interface{}) {
	e.sink.Send(appPeerName, Envelope{
		Event:     event,
		Data:      data,
		Timestamp: Now(e.now()),
	})
}
