package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"usbloopback/config"
	"usbloopback/monitoring"
)

var (
	patternVID string
	patternPID string
)

// patternCmd groups the supported-device pattern subcommands
var patternCmd = &cobra.Command{
	Use:   "pattern",
	Short: "Add or remove a supported VID:PID pattern on a running daemon",
	Long: `Change the set of VID:PID patterns a running daemon opens loopback
sessions for. The daemon saves the change to its settings file and the next
detection cycle picks it up.`,
}

var patternAddCmd = &cobra.Command{
	Use:     "add",
	Short:   "Add a supported VID:PID pattern",
	Example: "  usbloopback pattern add --vid 2341 --pid 0043",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := monitoring.PatternRequest{VID: patternVID, PID: patternPID}

		var settings config.Settings
		if err := newControlClient().do(http.MethodPost, "/api/settings/patterns", nil, req, &settings); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", config.PatternFor(patternVID, patternPID))
		renderPatterns(cmd.OutOrStdout(), settings.SupportedDevices)
		return nil
	},
}

var patternRemoveCmd = &cobra.Command{
	Use:     "remove",
	Aliases: []string{"rm"},
	Short:   "Remove a supported VID:PID pattern",
	Example: "  usbloopback pattern remove --vid 2341 --pid 0043",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		query.Set("vid", patternVID)
		query.Set("pid", patternPID)

		var settings config.Settings
		if err := newControlClient().do(http.MethodDelete, "/api/settings/patterns", query, nil, &settings); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", config.PatternFor(patternVID, patternPID))
		renderPatterns(cmd.OutOrStdout(), settings.SupportedDevices)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{patternAddCmd, patternRemoveCmd} {
		c.Flags().StringVar(&patternVID, "vid", "", "USB vendor id, 4 hex digits")
		c.Flags().StringVar(&patternPID, "pid", "", "USB product id, 4 hex digits")
		c.MarkFlagRequired("vid")
		c.MarkFlagRequired("pid")
		patternCmd.AddCommand(c)
	}
}

func renderPatterns(w io.Writer, patterns []string) {
	if len(patterns) == 0 {
		fmt.Fprintln(w, "Supported devices: none")
		return
	}
	fmt.Fprintln(w, "Supported devices:")
	for _, p := range patterns {
		fmt.Fprintf(w, "  %s\n", p)
	}
}
