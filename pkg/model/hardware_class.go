package model

import (
	"fmt"
	"strings"
)

// HardwareClass is the coarse capability tier a node declares at
// registration time. Queues and pools are partitioned by it, and a node is
// never dispatched work outside its declared class.
type HardwareClass int

const (
	hardwareClassUnknown HardwareClass = iota // must be first

	// HardwareClassEmbeddedARM covers embedded accelerator boards such as
	// the Jetson family.
	HardwareClassEmbeddedARM

	// HardwareClassAppleSilicon covers desktop-class ARM machines.
	HardwareClassAppleSilicon

	// HardwareClassStandardGPU covers ordinary CUDA-capable hardware.
	HardwareClassStandardGPU
)

var hardwareClassNames = map[HardwareClass]string{
	hardwareClassUnknown:      "UNKNOWN",
	HardwareClassEmbeddedARM:  "EMBEDDED_ARM",
	HardwareClassAppleSilicon: "APPLE_SILICON",
	HardwareClassStandardGPU:  "STANDARD_GPU",
}

// HardwareClasses returns every known class, in declaration order.
func HardwareClasses() []HardwareClass {
	return []HardwareClass{
		HardwareClassEmbeddedARM,
		HardwareClassAppleSilicon,
		HardwareClassStandardGPU,
	}
}

func (h HardwareClass) String() string {
	if name, ok := hardwareClassNames[h]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsValid returns false for the zero value and anything out of range.
func (h HardwareClass) IsValid() bool {
	return h > hardwareClassUnknown && h <= HardwareClassStandardGPU
}

func (h HardwareClass) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HardwareClass) UnmarshalText(text []byte) error {
	parsed, err := ParseHardwareClass(string(text))
	if err != nil {
		// Unknown classes are tolerated on the wire; they simply never
		// match a pool and the handshake rejects them explicitly.
		*h = hardwareClassUnknown
		return nil
	}
	*h = parsed
	return nil
}

// ParseHardwareClass maps a wire name onto a HardwareClass.
func ParseHardwareClass(name string) (HardwareClass, error) {
	needle := strings.ToUpper(strings.TrimSpace(name))
	for class, candidate := range hardwareClassNames {
		if candidate == needle && class != hardwareClassUnknown {
			return class, nil
		}
	}
	return hardwareClassUnknown, fmt.Errorf("unknown hardware class: %q", name)
}
