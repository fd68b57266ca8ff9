package sbp

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/globaltensor/internal/utils"
	"github.com/gomlx/globaltensor/types/errs"
)

// Device identifies one device of a cluster: the machine it is on, and its index within the machine.
type Device struct {
	Machine, Device int
}

// String implements fmt.Stringer: "machine:device".
func (d Device) String() string {
	return fmt.Sprintf("%d:%d", d.Machine, d.Device)
}

// Placement is the set of devices a tensor or an operator lives on, arranged in a hierarchy.
//
// Devices are kept sorted by (machine, device); the index of a device in that order is its parallel id.
// The product of the hierarchy sizes equals the number of devices. Placement values are interned.
type Placement struct {
	deviceTag string
	devices   []Device
	hierarchy []int

	deviceToParallelId map[Device]int
	str                string
	hash               uint64
}

var placementTable = newInternTable(func(a, b *Placement) bool {
	return a.deviceTag == b.deviceTag && slices.Equal(a.devices, b.devices) && slices.Equal(a.hierarchy, b.hierarchy)
})

// NewPlacement creates (or returns the interned) Placement.
//
//   - deviceTag: the device type, e.g. "cpu" or "cuda".
//   - devices: the devices, in any order. They are sorted by (machine, device); duplicates are an error.
//   - hierarchy: sizes of the hierarchy axes. If empty, it defaults to a flat hierarchy [len(devices)].
//
// It returns an InvalidArgument error if the hierarchy doesn't multiply to the number of devices.
func NewPlacement(deviceTag string, devices []Device, hierarchy []int) (*Placement, error) {
	if deviceTag == "" {
		return nil, errs.New(errs.InvalidArgument, "Placement device tag cannot be empty")
	}
	if len(devices) == 0 {
		return nil, errs.New(errs.InvalidArgument, "Placement requires at least one device")
	}
	devices = slices.Clone(devices)
	slices.SortFunc(devices, func(a, b Device) int {
		if a.Machine != b.Machine {
			return a.Machine - b.Machine
		}
		return a.Device - b.Device
	})
	seen := utils.MakeSet[Device](len(devices))
	for _, d := range devices {
		if d.Machine < 0 || d.Device < 0 {
			return nil, errs.Errorf(errs.InvalidArgument, "Placement device %s has negative index", d)
		}
		if seen.Has(d) {
			return nil, errs.Errorf(errs.InvalidArgument, "Placement device %s is duplicated", d)
		}
		seen.Insert(d)
	}
	if len(hierarchy) == 0 {
		hierarchy = []int{len(devices)}
	}
	hierarchy = slices.Clone(hierarchy)
	numDevices := 1
	for i, size := range hierarchy {
		if size <= 0 {
			return nil, errs.Errorf(errs.InvalidArgument, "Placement hierarchy axis #%d has invalid size %d", i, size)
		}
		numDevices *= size
	}
	if numDevices != len(devices) {
		return nil, errs.Errorf(errs.InvalidArgument,
			"Placement hierarchy %v has %d devices, but %d devices were given", hierarchy, numDevices, len(devices))
	}

	p := &Placement{
		deviceTag:          deviceTag,
		devices:            devices,
		hierarchy:          hierarchy,
		deviceToParallelId: make(map[Device]int, len(devices)),
	}
	for pid, d := range devices {
		p.deviceToParallelId[d] = pid
	}
	p.str = p.format()
	p.hash = hashKey(p.str)
	return placementTable.intern(p.hash, p), nil
}

// ParsePlacement creates a Placement from device names in the form "machine:device" or
// "machine:first-last", as used by the textual configuration.
func ParsePlacement(deviceTag string, deviceNames []string, hierarchy []int) (*Placement, error) {
	var devices []Device
	for _, name := range deviceNames {
		parsed, err := parseDeviceName(name)
		if err != nil {
			return nil, err
		}
		devices = append(devices, parsed...)
	}
	return NewPlacement(deviceTag, devices, hierarchy)
}

func parseDeviceName(name string) ([]Device, error) {
	machineStr, deviceStr, found := strings.Cut(strings.TrimSpace(name), ":")
	if !found {
		return nil, errs.Errorf(errs.InvalidArgument, "invalid device name %q, expected \"machine:device\"", name)
	}
	machine, err := strconv.Atoi(machineStr)
	if err != nil {
		return nil, errs.Errorf(errs.InvalidArgument, "invalid machine in device name %q", name)
	}
	first, last := deviceStr, deviceStr
	if before, after, isRange := strings.Cut(deviceStr, "-"); isRange {
		first, last = before, after
	}
	firstIdx, err1 := strconv.Atoi(first)
	lastIdx, err2 := strconv.Atoi(last)
	if err1 != nil || err2 != nil || lastIdx < firstIdx {
		return nil, errs.Errorf(errs.InvalidArgument, "invalid device range in device name %q", name)
	}
	devices := make([]Device, 0, lastIdx-firstIdx+1)
	for d := firstIdx; d <= lastIdx; d++ {
		devices = append(devices, Device{Machine: machine, Device: d})
	}
	return devices, nil
}

func (p *Placement) format() string {
	var buf strings.Builder
	w := func(format string, args ...any) {
		buf.WriteString(fmt.Sprintf(format, args...))
	}
	w("%s:[", p.deviceTag)
	for i, d := range p.devices {
		if i > 0 {
			w(", ")
		}
		w("%s", d)
	}
	w("], hierarchy=%v", p.hierarchy)
	return buf.String()
}

// String implements fmt.Stringer.
func (p *Placement) String() string {
	if p == nil {
		return "(nil)"
	}
	return p.str
}

// Hash returns a murmur3 hash of the canonical text form.
func (p *Placement) Hash() uint64 { return p.hash }

// Equal compares contents. Interned values are equal iff they are the same pointer.
func (p *Placement) Equal(other *Placement) bool {
	if p == other {
		return true
	}
	if p == nil || other == nil {
		return false
	}
	return placementTable.equal(p, other)
}

// DeviceTag returns the device type, e.g. "cpu".
func (p *Placement) DeviceTag() string { return p.deviceTag }

// NumDevices returns the number of devices, also known as the parallel num.
func (p *Placement) NumDevices() int { return len(p.devices) }

// Devices returns a copy of the devices in parallel id order.
func (p *Placement) Devices() []Device { return slices.Clone(p.devices) }

// Hierarchy returns a copy of the hierarchy sizes.
func (p *Placement) Hierarchy() []int { return slices.Clone(p.hierarchy) }

// HierarchyDepth is the number of hierarchy axes.
func (p *Placement) HierarchyDepth() int { return len(p.hierarchy) }

// Device returns the device with the given parallel id.
func (p *Placement) Device(parallelId int) Device { return p.devices[parallelId] }

// ParallelId returns the parallel id of the device, if it is part of the placement.
func (p *Placement) ParallelId(d Device) (int, bool) {
	pid, found := p.deviceToParallelId[d]
	return pid, found
}

// Contains reports whether the device is part of the placement.
func (p *Placement) Contains(d Device) bool {
	_, found := p.deviceToParallelId[d]
	return found
}

// Machines returns the sorted distinct machine ids.
func (p *Placement) Machines() []int {
	var machines []int
	for _, d := range p.devices {
		if len(machines) == 0 || machines[len(machines)-1] != d.Machine {
			machines = append(machines, d.Machine)
		}
	}
	return machines
}

// Coordinates returns the index of each hierarchy axis for the given parallel id (row-major).
func (p *Placement) Coordinates(parallelId int) []int {
	coords := make([]int, len(p.hierarchy))
	remaining := parallelId
	for i := len(p.hierarchy) - 1; i >= 0; i-- {
		coords[i] = remaining % p.hierarchy[i]
		remaining /= p.hierarchy[i]
	}
	return coords
}

// ComputeReplicaGroups returns the groups of parallel ids that take part together in a collective
// operation performed along the given hierarchy axes.
//
// Example:
//
//	p, _ := NewPlacement("cpu", devices /* 4 devices */, []int{2, 2})
//	p.ComputeReplicaGroups([]int{0})     // -> [][]int{{0, 2}, {1, 3}}
//	p.ComputeReplicaGroups([]int{1})     // -> [][]int{{0, 1}, {2, 3}}
//	p.ComputeReplicaGroups([]int{0, 1})  // -> [][]int{{0, 1, 2, 3}}
func (p *Placement) ComputeReplicaGroups(axes []int) ([][]int, error) {
	axisSet := utils.MakeSet[int](len(axes))
	for _, axis := range axes {
		if axis < 0 || axis >= len(p.hierarchy) {
			return nil, errs.Errorf(errs.InvalidArgument, "hierarchy axis %d out of range for %s", axis, p)
		}
		if axisSet.Has(axis) {
			return nil, errs.Errorf(errs.InvalidArgument, "hierarchy axis %d is duplicated: each axis can only appear once", axis)
		}
		axisSet.Insert(axis)
	}

	nonAxisIndices := make([]int, 0, len(p.hierarchy)-len(axes))
	for i := range p.hierarchy {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}
	groupSize := 1
	for _, axis := range axes {
		groupSize *= p.hierarchy[axis]
	}
	numGroups := len(p.devices) / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for pid := range p.devices {
		coords := p.Coordinates(pid)

		// Group index from the coordinates of the other axes.
		groupIdx, multiplier := 0, 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axis := nonAxisIndices[i]
			groupIdx += coords[axis] * multiplier
			multiplier *= p.hierarchy[axis]
		}

		// Position within the group from the coordinates of the collective axes.
		posInGroup := 0
		multiplier = 1
		for i := len(axes) - 1; i >= 0; i-- {
			axis := axes[i]
			posInGroup += coords[axis] * multiplier
			multiplier *= p.hierarchy[axis]
		}
		groups[groupIdx][posInGroup] = pid
	}
	return groups, nil
}
