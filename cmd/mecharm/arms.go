package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"

	"github.com/gwillem/mecharm/pkg/robot"
)

type armInfo struct {
	port   string
	servos []feetech.FoundServo
	bus    *feetech.Bus
}

func openBus(port string) (*feetech.Bus, error) {
	return feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
}

// findArms scans every serial port for a bus with servos 1-6. The buses of
// returned arms are left open.
func findArms() ([]armInfo, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	var arms []armInfo
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}

		bus, err := openBus(port)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		servos, err := bus.Scan(ctx, 1, robot.JointCount)
		cancel()
		if err != nil || !isSOArm(servos) {
			bus.Close()
			continue
		}
		arms = append(arms, armInfo{port: port, servos: servos, bus: bus})
	}
	return arms, nil
}

// isSOArm reports whether servos is exactly the ids 1-6.
func isSOArm(servos []feetech.FoundServo) bool {
	if len(servos) != len(robot.AllMotors()) {
		return false
	}
	ids := make(map[int]bool)
	for _, s := range servos {
		ids[s.ID] = true
	}
	for i := 1; i <= len(robot.AllMotors()); i++ {
		if !ids[i] {
			return false
		}
	}
	return true
}

func connectToArm(port string) (*feetech.Bus, []feetech.FoundServo, error) {
	bus, err := openBus(port)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	servos, err := bus.Scan(ctx, 1, robot.JointCount)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	if !isSOArm(servos) {
		bus.Close()
		return nil, nil, fmt.Errorf("not an SO-101 arm (expected 6 servos with IDs 1-6)")
	}
	return bus, servos, nil
}
