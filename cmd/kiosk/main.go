// Command kiosk is the recycling kiosk control-plane: it opens the
// Modbus-RTU link to the carriage/weight/veil hardware, serves the
// operator-app and vision-peer WebSocket endpoint, and runs the
// coordination state machine between them. Structured the way the
// teacher's cmd/controller does it: a run() error wrapping the whole
// program so main can stay a two-line os.Exit shim.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fandomat.dev/kiosk/config"
	"fandomat.dev/kiosk/coordinator"
	"fandomat.dev/kiosk/peerhub"
	"fandomat.dev/kiosk/plc"
)

func main() {
	log.SetFlags(log.Ltime | log.Lshortfile)
	if err := run(); err != nil {
		log.Printf("kiosk: %v", err)
		os.Exit(2)
	}
}

func run() error {
	cfg := config.Load()

	device, err := plc.Open(plc.Config{
		SerialPort:  cfg.SerialPort,
		Baud:        cfg.Baud,
		SlaveAddr:   byte(cfg.SlaveAddr),
		CmdRegister: uint16(cfg.CmdRegister),
		StatusReg:   uint16(cfg.StatusReg),
		Speed:       uint16(cfg.Speed),
	})
	if err != nil {
		return err
	}
	defer device.Stop()

	hub := peerhub.New()
	httpServer := &http.Server{Addr: cfg.WebSocketBind, Handler: hub}
	go func() {
		log.Printf("kiosk: websocket listening on %s", cfg.WebSocketBind)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("kiosk: websocket server: %v", err)
		}
	}()

	coord := coordinator.New(device, hub, coordinator.Config{
		PhotoDir:             cfg.PhotoDir,
		VisionTimeoutSeconds: cfg.VisionTimeoutSeconds,
	})

	stop := make(chan struct{})

	go devicePoller(device, stop)
	go coordinatorLoop(coord, stop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("kiosk: shutting down")
	close(stop)
	httpServer.Close()

	return nil
}

// devicePoller refreshes the Device Driver's cached status/counter
// snapshot at 100Hz (spec §5 "Device Poller").
func devicePoller(device *plc.Device, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			device.Update()
		}
	}
}

// coordinatorLoop runs the state machine tick at the spec's ~10ms cadence
// (spec §5 "Coordinator"). Events a tick emits are written to the peer
// sockets synchronously, inside the tick (see Coordinator.Tick).
func coordinatorLoop(coord *coordinator.Coordinator, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			coord.Tick()
		}
	}
}
