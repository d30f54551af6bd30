// Package config loads the kiosk control-plane's settings from the
// environment, in the style of guiperry-HASHER's internal/config package:
// a flat struct, one loader function, explicit defaults, no external
// configuration library.
package config

import (
	"os"
	"strconv"
)

// Settings holds every environment-tunable parameter named in the
// original's core/config.py and restated for this system.
type Settings struct {
	SerialPort  string
	Baud        int
	SlaveAddr   int
	CmdRegister int
	StatusReg   int
	Speed       int

	WebSocketBind string

	PhotoDir     string
	VisionTimeoutSeconds int
}

// Load reads Settings from the environment, falling back to the defaults
// from spec §6.3 wherever a variable is unset or unparsable.
func Load() Settings {
	return Settings{
		SerialPort:  getString("KIOSK_SERIAL_PORT", "/dev/ttyUSB0"),
		Baud:        getInt("KIOSK_BAUD", 115200),
		SlaveAddr:   getInt("KIOSK_SLAVE_ADDR", 2),
		CmdRegister: getInt("KIOSK_CMD_REGISTER", 25),
		StatusReg:   getInt("KIOSK_STATUS_REGISTER", 26),
		Speed:       getInt("KIOSK_SPEED", 500),

		WebSocketBind: getString("KIOSK_WS_BIND", "localhost:8765"),

		PhotoDir:             getString("KIOSK_PHOTO_DIR", "imgs/"),
		VisionTimeoutSeconds: getInt("KIOSK_VISION_TIMEOUT_SECONDS", 2),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
