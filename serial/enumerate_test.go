package serial

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.bug.st/serial/enumerator"
)

func TestBuildHardwareID(t *testing.T) {
	tests := []struct {
		name   string
		isUSB  bool
		vid    string
		pid    string
		serial string
		want   string
	}{
		{"usb with serial", true, "2341", "0043", "7543", "USB VID:PID=2341:0043 SER=7543"},
		{"usb lower case", true, "10c4", "ea60", "", "USB VID:PID=10C4:EA60"},
		{"not usb", false, "", "", "", "n/a"},
		{"usb without ids", true, "", "", "X", "n/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildHardwareID(tt.isUSB, tt.vid, tt.pid, tt.serial); got != tt.want {
				t.Errorf("BuildHardwareID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetPortDescription(t *testing.T) {
	tests := map[string]string{
		"ttyUSB0":             "USB Serial Port",
		"ttyACM3":             "USB CDC/ACM Device",
		"ttyAMA0":             "ARM Serial Port",
		"ttyS4":               "Standard Serial Port",
		"COM3":                "Communications Port",
		"cu.usbmodem14101":    "USB CDC/ACM Device",
		"cu.usbserial-A50285": "USB Serial Port",
		"rfcomm0":             "Serial Port",
	}
	for name, want := range tests {
		if got := getPortDescription(name); got != want {
			t.Errorf("getPortDescription(%q) = %q, want %q", name, got, want)
		}
	}
}

// makeSysfs lays out a minimal /sys/class/tty tree for one USB tty.
func makeSysfs(t *testing.T, name, manufacturer, product string) string {
	t.Helper()
	base := t.TempDir()

	usbDev := filepath.Join(base, "devices", "usb1", "1-1")
	iface := filepath.Join(usbDev, "1-1:1.0")
	if err := os.MkdirAll(iface, 0755); err != nil {
		t.Fatal(err)
	}
	for file, content := range map[string]string{
		"idVendor":     "2341\n",
		"manufacturer": manufacturer + "\n",
		"product":      product + "\n",
	} {
		if err := os.WriteFile(filepath.Join(usbDev, file), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	root := filepath.Join(base, "class", "tty")
	if err := os.MkdirAll(filepath.Join(root, name), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(iface, filepath.Join(root, name, "device")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	return root
}

func TestEnumeratorSourceListPorts(t *testing.T) {
	root := makeSysfs(t, "ttyACM0", "Arduino (www.arduino.cc)", "Uno R3")

	src := &EnumeratorSource{
		SysfsRoot: root,
		detailed: func() ([]*enumerator.PortDetails, error) {
			return []*enumerator.PortDetails{
				{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043", SerialNumber: "7543"},
				{Name: "/dev/ttyS0"},
				nil,
			}, nil
		},
	}

	ports, err := src.ListPorts()
	if err != nil {
		t.Fatalf("ListPorts error: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("len(ports) = %d, want 2", len(ports))
	}

	acm := ports["/dev/ttyACM0"]
	if acm.HardwareID != "USB VID:PID=2341:0043 SER=7543" {
		t.Errorf("HardwareID = %q", acm.HardwareID)
	}
	if acm.Manufacturer != "Arduino (www.arduino.cc)" {
		t.Errorf("Manufacturer = %q", acm.Manufacturer)
	}
	if acm.Description != "Uno R3" {
		t.Errorf("Description = %q, want product string", acm.Description)
	}

	uart := ports["/dev/ttyS0"]
	if uart.HardwareID != "n/a" {
		t.Errorf("ttyS0 HardwareID = %q, want n/a", uart.HardwareID)
	}
	if uart.Description != "Standard Serial Port" {
		t.Errorf("ttyS0 Description = %q", uart.Description)
	}
	if uart.Manufacturer != "Unknown" {
		t.Errorf("ttyS0 Manufacturer = %q, want Unknown", uart.Manufacturer)
	}
}

func TestEnumeratorSourcePlatformError(t *testing.T) {
	src := &EnumeratorSource{
		detailed: func() ([]*enumerator.PortDetails, error) {
			return nil, errors.New("enumeration not supported")
		},
	}

	_, err := src.ListPorts()
	if !errors.Is(err, ErrPlatformQuery) {
		t.Errorf("ListPorts error = %v, want ErrPlatformQuery", err)
	}
}

func TestReadUSBAttributesMissing(t *testing.T) {
	attrs := readUSBAttributes(t.TempDir(), "ttyUSB9")
	if attrs.Manufacturer != "" || attrs.Product != "" {
		t.Errorf("readUSBAttributes on empty tree = %+v, want zero", attrs)
	}
}
