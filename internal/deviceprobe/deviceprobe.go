// Package deviceprobe provides a read-only enumeration of V4L2 capture
// devices.
//
// Reference: spec §4.B. Grounded on internal/udev's sysfs-scanning idiom
// from the teacher (os.ReadDir over a kernel-exposed directory, then
// os.ReadFile of small per-device metadata files, filtered by a
// precompiled regexp on the entry name).
package deviceprobe

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// videoNodeRegex matches V4L2 device node names: video0, video1, ...
var videoNodeRegex = regexp.MustCompile(`^video([0-9]+)$`)

// Device is the identity of a capture source observed by the OS.
//
// Immutable for the lifetime of one probe (spec §3).
type Device struct {
	Path   string `json:"path"`   // e.g. "/dev/video0"
	Name   string `json:"name"`   // human-readable card name
	Index  int    `json:"index"`
	Driver string `json:"driver"`
	Card   string `json:"card"`
}

// Prober scans the OS device namespace for capture devices.
type Prober struct {
	// DevDir is the directory holding V4L2 device nodes (default /dev).
	DevDir string
	// SysfsDir is the directory holding V4L2 kernel-exposed metadata
	// (default /sys/class/video4linux).
	SysfsDir string
}

// New returns a Prober configured for the standard Linux paths.
func New() *Prober {
	return &Prober{DevDir: "/dev", SysfsDir: "/sys/class/video4linux"}
}

// List scans for capture devices and returns them sorted by index.
//
// Never raises: a platform with no /dev or no matching nodes yields an
// empty list, matching spec §4.B.
func (p *Prober) List() []Device {
	devDir := p.DevDir
	if devDir == "" {
		devDir = "/dev"
	}
	sysfsDir := p.SysfsDir
	if sysfsDir == "" {
		sysfsDir = "/sys/class/video4linux"
	}

	entries, err := os.ReadDir(devDir)
	if err != nil {
		return []Device{}
	}

	devices := make([]Device, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		m := videoNodeRegex.FindStringSubmatch(name)
		if m == nil {
			continue
		}

		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		nodePath := filepath.Join(devDir, name)
		cardName, driver := readVideo4LinuxMeta(sysfsDir, name)

		devices = append(devices, Device{
			Path:   nodePath,
			Name:   cardName,
			Index:  index,
			Driver: driver,
			Card:   cardName,
		})
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	return devices
}

// readVideo4LinuxMeta reads the "name" file exposed by the kernel under
// /sys/class/video4linux/<node>/name, and the driver symlink target under
// .../device/driver. Missing or unreadable files yield empty strings
// rather than an error — metadata is best-effort.
func readVideo4LinuxMeta(sysfsDir, node string) (name, driver string) {
	nodeDir := filepath.Join(sysfsDir, node)

	// #nosec G304 - sysfsDir is process configuration, not user input
	if data, err := os.ReadFile(filepath.Join(nodeDir, "name")); err == nil {
		name = strings.TrimSpace(string(data))
	}

	if target, err := os.Readlink(filepath.Join(nodeDir, "device", "driver")); err == nil {
		driver = filepath.Base(target)
	}

	return name, driver
}
