package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"usbloopback/config"
	"usbloopback/serial"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List serial ports and whether they are supported",
	Long: `List the serial ports the OS currently reports, with their hardware id
and whether the configured VID:PID patterns select them for loopback.

Only USB ports are shown unless --all is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		}

		ports, err := serial.NewEnumeratorSource().ListPorts()
		if err != nil {
			return err
		}

		all, _ := cmd.Flags().GetBool("all")
		tableFormat, _ := cmd.Flags().GetBool("table")

		rows := buildPortRows(ports, cfg.SupportedDevices, all)
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
			return nil
		}

		if tableFormat {
			renderTable(cmd.OutOrStdout(), rows)
		} else {
			renderSimple(cmd.OutOrStdout(), rows)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolP("all", "a", false, "Include non-USB ports")
	listCmd.Flags().BoolP("table", "t", false, "Display output in a styled table format")
}

type portRow struct {
	name      string
	meta      serial.PortMetadata
	supported bool
}

// buildPortRows filters and sorts the snapshot for display
func buildPortRows(ports map[string]serial.PortMetadata, patterns []string, all bool) []portRow {
	filter := serial.SubstringFilter{}

	rows := make([]portRow, 0, len(ports))
	for name, meta := range ports {
		if !all && !meta.IsUSB {
			continue
		}
		rows = append(rows, portRow{
			name:      name,
			meta:      meta,
			supported: filter.IsSupported(meta.HardwareID, patterns),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })
	return rows
}

// renderTable renders the port list in a styled static table format
func renderTable(w io.Writer, rows []portRow) {
	fmt.Fprintf(w, "Found %d serial port(s):\n\n", len(rows))

	portWidth := 15
	hwidWidth := 34
	descWidth := 28

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(lipgloss.Color("240")).
		PaddingBottom(1)

	cellStyle := lipgloss.NewStyle().
		PaddingRight(2)

	supportedStyle := cellStyle.Foreground(lipgloss.Color("42"))

	header := fmt.Sprintf("%-*s %-*s %-*s %s",
		portWidth, "Port",
		hwidWidth, "Hardware ID",
		descWidth, "Description",
		"Loopback")
	fmt.Fprintln(w, headerStyle.Render(header))

	for _, r := range rows {
		mark := "no"
		style := cellStyle
		if r.supported {
			mark = "yes"
			style = supportedStyle
		}
		row := fmt.Sprintf("%-*s %-*s %-*s %s",
			portWidth, r.name,
			hwidWidth, r.meta.HardwareID,
			descWidth, truncate(r.meta.Description, descWidth),
			mark)
		fmt.Fprintln(w, style.Render(row))
	}
}

// renderSimple renders one port per line
func renderSimple(w io.Writer, rows []portRow) {
	for _, r := range rows {
		mark := ""
		if r.supported {
			mark = " [loopback]"
		}
		fmt.Fprintf(w, "%s\t%s\t%s%s\n", r.name, r.meta.HardwareID, r.meta.Description, mark)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
