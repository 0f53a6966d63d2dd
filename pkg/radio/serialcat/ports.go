package serialcat

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/dougsko/rigbridge/pkg/protocol"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ListPorts enumerates serial devices with their USB identity when known.
// If USB enumeration is unavailable it falls back to globbing device nodes.
func ListPorts() ([]protocol.PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		ports := make([]protocol.PortInfo, 0, len(details))
		for _, d := range details {
			info := protocol.PortInfo{Path: d.Name}
			if d.IsUSB {
				info.VendorID = d.VID
				info.ProductID = d.PID
				info.SerialNumber = d.SerialNumber
				info.Manufacturer = d.Product
			}
			ports = append(ports, info)
		}
		sort.Slice(ports, func(i, j int) bool { return ports[i].Path < ports[j].Path })
		return ports, nil
	}

	names, lerr := serial.GetPortsList()
	if lerr != nil || len(names) == 0 {
		names = globDevices()
	}
	if len(names) == 0 && err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]protocol.PortInfo, 0, len(names))
	for _, name := range names {
		ports = append(ports, protocol.PortInfo{Path: name})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Path < ports[j].Path })
	return ports, nil
}

func globDevices() []string {
	var patterns []string
	switch runtime.GOOS {
	case "linux":
		patterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyAMA*"}
	case "darwin":
		patterns = []string{"/dev/tty.usb*", "/dev/tty.SLAB_*", "/dev/tty.wchusbserial*", "/dev/cu.usb*"}
	}

	var devices []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if _, err := os.Stat(m); err == nil {
				devices = append(devices, m)
			}
		}
	}
	return devices
}

// Probe opens path and closes it again, leaving nothing running
func Probe(open Opener, path string, baud int) error {
	if open == nil {
		open = OpenSerial
	}
	if baud <= 0 {
		baud = 38400
	}
	port, err := open(path, &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit})
	if err != nil {
		return err
	}
	return port.Close()
}
