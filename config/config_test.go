package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	s := Load()

	if s.SerialPort != "/dev/ttyUSB0" {
		t.Fatalf("SerialPort = %q, want default", s.SerialPort)
	}
	if s.Baud != 115200 {
		t.Fatalf("Baud = %d, want 115200", s.Baud)
	}
	if s.SlaveAddr != 2 {
		t.Fatalf("SlaveAddr = %d, want 2", s.SlaveAddr)
	}
	if s.WebSocketBind != "localhost:8765" {
		t.Fatalf("WebSocketBind = %q, want default", s.WebSocketBind)
	}
}

func TestLoadHonorsOverrides(t *testing.T) {
	t.Setenv("KIOSK_SERIAL_PORT", "/dev/ttyS4")
	t.Setenv("KIOSK_BAUD", "9600")
	t.Setenv("KIOSK_SLAVE_ADDR", "not-a-number")

	s := Load()

	if s.SerialPort != "/dev/ttyS4" {
		t.Fatalf("SerialPort = %q, want override", s.SerialPort)
	}
	if s.Baud != 9600 {
		t.Fatalf("Baud = %d, want 9600", s.Baud)
	}
	if s.SlaveAddr != 2 {
		t.Fatalf("SlaveAddr = %d, want default fallback on bad value", s.SlaveAddr)
	}
}
