package coordinator

import (
	"encoding/json"
	"log"
	"strings"
	"time"
)

// tickWaitingVision implements spec §4.5.2 step 3.
func (c *Coordinator) tickWaitingVision(now time.Time) {
	if msg, ok := c.hub.GetCommand(visionPeer); ok {
		if resp := parseVisionResponse(msg); resp != "" && c.pendingVisionResponse == "" {
			c.pendingVisionResponse = resp
			if !c.veilClearedTime.IsZero() {
				log.Printf("coordinator: vision round trip took %s", now.Sub(c.veilClearedTime))
			}
			c.veilClearedTime = time.Time{}
		}
	}

	if c.currentPLCDetection == ContainerNone {
		switch {
		case c.device.BottleExist():
			c.currentPLCDetection = ContainerPlastic
		case c.device.BankExist():
			c.currentPLCDetection = ContainerAluminum
		}
	}

	if c.pendingVisionResponse != "" && c.currentPLCDetection != ContainerNone {
		c.fuseVisionAndTransition()
		return
	}

	if now.Sub(c.visionRequestTime) > visionTimeout {
		c.emit("container_not_recognized", map[string]string{})
		c.clearVisionPending()
		c.state = StateIdle
	}
}

// parseVisionResponse accepts a bare JSON string ("plastic", "aluminum",
// "none") or a plain-text frame with the same content — the vision peer's
// replies are documented as bare lowercase strings (spec §6.2), not JSON
// objects like every other peer message.
func parseVisionResponse(msg json.RawMessage) string {
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		s = strings.TrimSpace(s)
	} else {
		s = strings.TrimSpace(string(msg))
	}
	switch s {
	case ContainerPlastic, ContainerAluminum, ContainerNone:
		return s
	default:
		return ""
	}
}

// fusionAction is the outcome of cross-checking the PLC's own detection
// against the vision peer's classification (spec §4.5.5), split out as a
// pure function so it can be unit tested without a Device or Hub.
type fusionAction struct {
	event       string
	data        map[string]string
	setBottleLatch bool
	setBankLatch   bool
}

// fuseVision implements the table in spec §4.5.5 with no side effects.
func fuseVision(plcType, visionType string) fusionAction {
	if visionType == ContainerNone {
		return fusionAction{event: "container_not_recognized", data: map[string]string{}}
	}
	if plcType == visionType {
		switch plcType {
		case ContainerPlastic:
			return fusionAction{
				event:          "container_recognized",
				data:           map[string]string{"container_type": ContainerPlastic},
				setBottleLatch: true,
			}
		case ContainerAluminum:
			return fusionAction{
				event:        "container_recognized",
				data:         map[string]string{"container_type": ContainerAluminum},
				setBankLatch: true,
			}
		}
	}
	return fusionAction{
		event: "container_not_recognized",
		data: map[string]string{
			"plc_type":    plcType,
			"vision_type": visionType,
		},
	}
}

func (c *Coordinator) fuseVisionAndTransition() {
	action := fuseVision(c.currentPLCDetection, c.pendingVisionResponse)

	c.emit(action.event, action.data)

	now := c.now()
	if action.setBottleLatch {
		c.device.SetDetectedBottle(true)
		c.carriageMovingBottle = true
		c.carriageMovingBottleStart = now
	}
	if action.setBankLatch {
		c.device.SetDetectedBank(true)
		c.carriageMovingBank = true
		c.carriageMovingBankStart = now
	}

	c.clearVisionPending()
	c.state = StateIdle
}

func (c *Coordinator) clearVisionPending() {
	c.pendingVisionResponse = ""
	c.currentPLCDetection = ContainerNone
	c.visionRequestTime = time.Time{}
}
