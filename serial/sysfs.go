package serial

import (
	"os"
	"path/filepath"
	"strings"
)

const defaultSysfsRoot = "/sys/class/tty"

// usbAttributes are the string descriptors of the USB device behind a tty.
type usbAttributes struct {
	Manufacturer string
	Product      string
}

// readUSBAttributes walks up from <root>/<name>/device to the USB device
// directory (the one containing idVendor) and reads its descriptors.
// Missing entries yield empty strings; non-Linux hosts simply have no sysfs.
func readUSBAttributes(root, name string) usbAttributes {
	if root == "" {
		root = defaultSysfsRoot
	}

	resolved, err := filepath.EvalSymlinks(filepath.Join(root, name, "device"))
	if err != nil {
		return usbAttributes{}
	}

	for dir := resolved; dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return usbAttributes{
				Manufacturer: readStringFile(filepath.Join(dir, "manufacturer")),
				Product:      readStringFile(filepath.Join(dir, "product")),
			}
		}
	}
	return usbAttributes{}
}

func readStringFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
