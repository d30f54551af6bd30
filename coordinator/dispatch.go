package coordinator

import (
	"encoding/json"
	"strings"
)

// appCommand is the wire shape of every app-originated command (spec
// §4.5.6). container_type and the legacy config key both normalize into
// a single param slot.
type appCommand struct {
	Command       string          `json:"command"`
	ContainerType string          `json:"container_type"`
	Config        json.RawMessage `json:"config"`
}

func (cmd appCommand) param() string {
	if cmd.ContainerType != "" {
		return cmd.ContainerType
	}
	if len(cmd.Config) > 0 {
		var s string
		if err := json.Unmarshal(cmd.Config, &s); err == nil {
			return s
		}
		return string(cmd.Config)
	}
	return ""
}

var stubCommands = map[string]bool{
	"enter_service_mode": true,
	"exit_service_mode":  true,
	"restore_device":     true,
	"open_shutter":       true,
	"reboot_device":      true,
}

// dispatchAppCommand handles the full command set, used while IDLE.
func (c *Coordinator) dispatchAppCommand(msg json.RawMessage) {
	var cmd appCommand
	if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Command == "" {
		c.emit("command_error", map[string]string{"error": "unknown_command"})
		return
	}

	switch {
	case cmd.Command == "get_photo":
		c.handleGetPhoto()
	case cmd.Command == "get_device_info":
		c.emitDeviceInfo()
	case cmd.Command == "device_init":
		c.handleDeviceInit(cmd)
	case cmd.Command == "dump_container":
		c.handleDumpContainer(cmd.param())
	case cmd.Command == "container_unloaded":
		c.handleContainerUnloaded(cmd.param())
	case cmd.Command == "lock_door":
		c.doorLocked = true
		c.emit("up_door_locked", nil)
	case cmd.Command == "unlock_door":
		c.doorLocked = false
		c.emit("up_door_unlocked", nil)
	case stubCommands[cmd.Command]:
		c.emit(cmd.Command+"_ack", map[string]string{"status": "not_implemented"})
	case strings.HasPrefix(cmd.Command, "cmd_"):
		c.dispatchBridgeCommand(cmd.Command)
	default:
		c.emit("command_error", map[string]string{"command": cmd.Command, "error": "unknown_command"})
	}
}

func (c *Coordinator) handleDumpContainer(containerType string) {
	switch containerType {
	case ContainerPlastic:
		c.state = StateDumpingPlastic
		c.dumpStartedTime = c.now()
		c.device.ForceCarriageLeft()
	case ContainerAluminum:
		c.state = StateDumpingAluminum
		c.dumpStartedTime = c.now()
		c.device.ForceCarriageRight()
	default:
		c.emit("command_error", map[string]string{"command": "dump_container", "error": "unknown_command"})
		return
	}
	c.emit("container_dumped", map[string]string{"container_type": containerType})
}

func (c *Coordinator) handleContainerUnloaded(containerType string) {
	switch containerType {
	case ContainerPlastic:
		c.device.ResetBottleCounter()
	case ContainerAluminum:
		c.device.ResetBankCounter()
	default:
		c.emit("command_error", map[string]string{"command": "container_unloaded", "error": "unknown_command"})
		return
	}
	c.emit("container_unloaded_ack", map[string]string{"container_type": containerType})
}

func (c *Coordinator) handleDeviceInit(cmd appCommand) {
	c.deviceConfig = cmd.Config
	c.emit("device_init_ack", map[string]string{"status": "ok"})
}

// dispatchBridgeCommand forwards cmd_* diagnostic names straight to the
// Device Driver, bypassing FSM semantics (spec §4.5.6, design note in §9).
func (c *Coordinator) dispatchBridgeCommand(name string) {
	handler, ok := bridgeCommands[name]
	if !ok {
		c.emit("command_error", map[string]string{"command": name, "error": "unknown_command"})
		return
	}
	handler(c.device)
	c.emit(name+"_ack", map[string]string{"status": "ok"})
}

var bridgeCommands = map[string]func(Device){
	"cmd_full_clear_register":       func(d Device) { d.FullClearCommand() },
	"cmd_force_move_carriage_left":  func(d Device) { d.ForceCarriageLeft() },
	"cmd_force_move_carriage_right": func(d Device) { d.ForceCarriageRight() },
	"cmd_weight_error_reset":        func(d Device) { d.ResetWeightErrorLatch() },
	"cmd_reset_weight_reading":      func(d Device) { d.ResetWeightReading() },
}

// tickError handles the reduced command set available while in ERROR
// (spec §4.5.2 step 4, §4.5.6 final paragraph).
func (c *Coordinator) tickError() {
	msg, ok := c.hub.GetCommand(appPeer)
	if !ok {
		return
	}
	var cmd appCommand
	if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Command == "" {
		c.emit("command_error", map[string]string{"error": "not_allowed_in_error_state"})
		return
	}
	switch cmd.Command {
	case "get_photo":
		c.handleGetPhoto()
	case "get_device_info":
		c.emitDeviceInfo()
	case "dump_container":
		c.handleDumpContainer(cmd.param())
	case "restore_device":
		c.state = StateIdle
		c.emit("restore_device_ack", nil)
	default:
		c.emit("command_error", map[string]string{"error": "not_allowed_in_error_state"})
	}
}
