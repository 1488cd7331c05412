package serial

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortMetadata describes one serial port present on the host.
type PortMetadata struct {
	// HardwareID carries the "VID:PID=XXXX:YYYY" token for USB ports
	HardwareID   string `json:"hardware_id"`
	Manufacturer string `json:"manufacturer"`
	Description  string `json:"description"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	IsUSB        bool   `json:"is_usb"`
}

// Lister returns the ports currently present, keyed by port identifier.
// Every call reflects the OS state at call time.
type Lister interface {
	ListPorts() (map[string]PortMetadata, error)
}

// ListerFunc adapts a function to the Lister interface.
type ListerFunc func() (map[string]PortMetadata, error)

// ListPorts calls f().
func (f ListerFunc) ListPorts() (map[string]PortMetadata, error) {
	return f()
}

// EnumeratorSource lists ports through go.bug.st/serial/enumerator and
// fills in the manufacturer from sysfs where the enumerator has none.
type EnumeratorSource struct {
	// SysfsRoot is the tty class directory, /sys/class/tty when empty
	SysfsRoot string

	detailed func() ([]*enumerator.PortDetails, error)
}

// NewEnumeratorSource creates a source backed by the OS enumerator.
func NewEnumeratorSource() *EnumeratorSource {
	return &EnumeratorSource{detailed: enumerator.GetDetailedPortsList}
}

// ListPorts implements Lister
func (s *EnumeratorSource) ListPorts() (map[string]PortMetadata, error) {
	list := s.detailed
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}

	details, err := list()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlatformQuery, err)
	}

	ports := make(map[string]PortMetadata, len(details))
	for _, d := range details {
		if d == nil || d.Name == "" {
			continue
		}
		ports[d.Name] = s.metadata(d)
	}
	return ports, nil
}

func (s *EnumeratorSource) metadata(d *enumerator.PortDetails) PortMetadata {
	base := filepath.Base(d.Name)
	meta := PortMetadata{
		IsUSB:        d.IsUSB,
		VID:          strings.ToUpper(d.VID),
		PID:          strings.ToUpper(d.PID),
		SerialNumber: d.SerialNumber,
		Description:  d.Product,
	}
	meta.HardwareID = BuildHardwareID(d.IsUSB, d.VID, d.PID, d.SerialNumber)

	if d.IsUSB {
		usb := readUSBAttributes(s.SysfsRoot, base)
		meta.Manufacturer = usb.Manufacturer
		if meta.Description == "" {
			meta.Description = usb.Product
		}
	}
	if meta.Description == "" {
		meta.Description = getPortDescription(base)
	}
	if meta.Manufacturer == "" {
		meta.Manufacturer = "Unknown"
	}
	return meta
}

// BuildHardwareID formats USB identity the way the port list reports it,
// e.g. "USB VID:PID=2341:0043 SER=7543". Non-USB ports yield "n/a".
func BuildHardwareID(isUSB bool, vid, pid, serialNumber string) string {
	if !isUSB || vid == "" || pid == "" {
		return "n/a"
	}
	id := fmt.Sprintf("USB VID:PID=%s:%s", strings.ToUpper(vid), strings.ToUpper(pid))
	if serialNumber != "" {
		id += " SER=" + serialNumber
	}
	return id
}

// getPortDescription returns a human-readable description based on port name
func getPortDescription(name string) string {
	switch {
	case strings.HasPrefix(name, "ttyUSB"), strings.HasPrefix(name, "cu.usbserial"):
		return "USB Serial Port"
	case strings.HasPrefix(name, "ttyACM"), strings.HasPrefix(name, "cu.usbmodem"):
		return "USB CDC/ACM Device"
	case strings.HasPrefix(name, "ttyAMA"):
		return "ARM Serial Port"
	case strings.HasPrefix(name, "ttyS"):
		return "Standard Serial Port"
	case strings.HasPrefix(name, "COM"):
		return "Communications Port"
	default:
		return "Serial Port"
	}
}
