package cmd

import (
	"github.com/spf13/cobra"
)

const appName = "USBLoopback"

var (
	configPath string
	debug      bool
)

// rootCmd runs the daemon when no subcommand is given
var rootCmd = &cobra.Command{
	Use:   "usbloopback",
	Short: "Echo every byte back to supported USB serial devices",
	Long: `usbloopback watches the serial ports reported by the OS and opens a
loopback session on every device whose hardware id matches one of the
configured VID:PID patterns. Each session writes back whatever it reads
until the device is unplugged or disconnected.

Settings live in a JSON (or YAML) file; a missing file means defaults.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "settings.json", "Path to the settings file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// Execute runs the command line with the given build version
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}
