package internal

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Device is the compute backend handed to the encoder. The core treats it as
// opaque; only Resolve looks at the host.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceMPS  Device = "mps"
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DeviceAuto, nil
	case DeviceAuto, DeviceMPS, DeviceCUDA, DeviceCPU:
		return d, nil
	default:
		return "", fmt.Errorf("unknown device %q (want auto|cpu|cuda|mps)", s)
	}
}

// Resolve turns DeviceAuto into a concrete backend for this host.
func (d Device) Resolve() Device {
	if d == DeviceAuto || d == "" {
		return DetectHardware()
	}
	return d
}

func DetectHardware() Device {
	if isMPS() {
		return DeviceMPS
	}
	if isCUDA() {
		return DeviceCUDA
	}
	return DeviceCPU
}

func isMPS() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

func isCUDA() bool {
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return true
	}
	return false
}
