package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"usbloopback/loopback"
	"usbloopback/monitoring"
)

var (
	controlAddr     string
	controlUser     string
	controlPassword string
)

// controlClient talks to the control server of a running daemon
type controlClient struct {
	base     string
	user     string
	password string
	http     *http.Client
}

func newControlClient() *controlClient {
	base := strings.TrimRight(controlAddr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &controlClient{
		base:     base,
		user:     controlUser,
		password: controlPassword,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request, with in encoded as the JSON body when non-nil, and
// decodes a JSON response into out
func (c *controlClient) do(method, path string, query url.Values, in, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Ask a running daemon to reconcile devices now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var result loopback.ReconcileResult
		if err := newControlClient().do(http.MethodPost, "/api/detect", nil, nil, &result); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Connected:    %s\n", joinOrNone(result.Connected))
		fmt.Fprintf(w, "Disconnected: %s\n", joinOrNone(result.Disconnected))
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect [port]",
	Short: "Close one loopback session, or all of them",
	Long: `Close the session on the given port, or every session when no port is
given. Disconnected ports are not reopened automatically while they stay
plugged in; run detect to pick them up again.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		if len(args) == 1 {
			query.Set("port", args[0])
		}

		var result struct {
			Disconnected int `json:"disconnected"`
		}
		if err := newControlClient().do(http.MethodPost, "/api/disconnect", query, nil, &result); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Disconnected %d device(s)\n", result.Disconnected)
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Show the active loopback sessions of a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var devices []monitoring.DeviceStatus
		if err := newControlClient().do(http.MethodGet, "/api/devices", nil, nil, &devices); err != nil {
			return err
		}
		renderDevices(cmd.OutOrStdout(), devices)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{detectCmd, disconnectCmd, devicesCmd, patternCmd} {
		c.PersistentFlags().StringVar(&controlAddr, "addr", "127.0.0.1:8080", "Control server address")
		c.PersistentFlags().StringVar(&controlUser, "user", "", "Basic auth username")
		c.PersistentFlags().StringVar(&controlPassword, "password", "", "Basic auth password")
		rootCmd.AddCommand(c)
	}
}

func renderDevices(w io.Writer, devices []monitoring.DeviceStatus) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No active sessions")
		return
	}
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s:%s\t%s\t%s\tin=%d out=%d errors=%d\n",
			d.PortID, d.VID, d.PID, d.Manufacturer, d.State,
			d.Stats.BytesIn, d.Stats.BytesOut, d.Stats.Errors)
	}
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}
