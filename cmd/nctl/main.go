// Neura CLI - operator commands for a running neura daemon
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/pipeline"
)

var (
	addr string

	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "nctl",
		Short:        "Control a running Neura daemon",
		SilenceUsage: true,
	}

	defaultAddr := os.Getenv("NEURA_ADDR")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:8787"
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "daemon address")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(pushCmd())
	rootCmd.AddCommand(muteCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sosCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loginCmd stores the device credentials in the daemon
func loginCmd() *cobra.Command {
	var deviceID string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the device id and auth token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceID == "" {
				fmt.Print("Device ID: ")
				line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				deviceID = strings.TrimSpace(line)
			}
			if deviceID == "" {
				return fmt.Errorf("device id is required")
			}

			fmt.Print("Auth token: ")
			token, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("failed to read token: %w", err)
			}
			if len(strings.TrimSpace(string(token))) == 0 {
				return fmt.Errorf("auth token is required")
			}

			var resp struct {
				DeviceID       string `json:"device_id"`
				PipelineLoaded bool   `json:"pipeline_loaded"`
			}
			body := map[string]string{"device_id": deviceID, "auth_token": strings.TrimSpace(string(token))}
			if err := newClient(addr).call("POST", "/identity", body, &resp); err != nil {
				return err
			}

			fmt.Printf("✅ Logged in as %s\n", resp.DeviceID)
			if !resp.PipelineLoaded {
				fmt.Println("⚠️  The pipeline did not pick up the identity yet")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device id (prompted when empty)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline and presenter status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Muted    bool            `json:"muted"`
				Clients  int             `json:"ws_clients"`
				Pipeline pipeline.Status `json:"pipeline"`
			}
			if err := newClient(addr).call("GET", "/status", nil, &resp); err != nil {
				return err
			}

			p := resp.Pipeline
			fmt.Println("🧠 Neura Status")
			fmt.Println("═══════════════════════════════════")
			fmt.Printf("Running:     %v\n", p.Running)
			fmt.Printf("Onboarded:   %v\n", p.Onboarded)
			fmt.Printf("Mode:        %s\n", p.Mode)
			fmt.Printf("Identity:    %v\n", p.HasIdentity)
			fmt.Printf("Muted:       %v\n", resp.Muted)
			fmt.Printf("Feed:        %d client(s)\n", resp.Clients)
			fmt.Println()

			for _, k := range p.Kinds {
				sched := " "
				if k.Scheduled {
					sched = "⏱"
				}
				last := "never"
				if k.LastRun != nil {
					last = k.LastRun.Format(time.Kitchen)
				}
				fmt.Printf("  %s %-15s %-12s cycles=%-4d emitted=%-4d last=%s\n",
					sched, k.Kind, k.State, k.Cycles, k.Emitted, last)
				if k.LastError != "" {
					fmt.Printf("      ⚠️  %s\n", k.LastError)
				}
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List recent triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []core.HistoryEntry
			if err := newClient(addr).call("GET", "/history", nil, &entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No triggers yet.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  %-10s %s %s\n", e.Timestamp.Local().Format("Jan 02 15:04"), e.Type, e.Emoji, e.Text)
			}
			return nil
		},
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting",
		Long: `Change one setting. Keys:
  onboarding_completed, smart_tracking_enabled, voice_nudges_enabled (true/false)
  active_mode (manual/ambient), preferred_lang, voice`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := parseSetting(args[0], args[1])
			if err != nil {
				return err
			}
			var st core.Settings
			if err := newClient(addr).call("PUT", "/settings", body, &st); err != nil {
				return err
			}
			fmt.Printf("✅ %s = %s\n", args[0], args[1])
			return nil
		},
	}
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push key=value...",
		Short: "Simulate an inbound push message",
		Example: `  nctl push nudge_text="Time to stretch" nudge_emoji=🧘
  nctl push city_name=Pune tips="Try the misal"
  nctl push screen=nudge`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parsePairs(args)
			if err != nil {
				return err
			}
			var resp map[string]string
			if err := newClient(addr).call("POST", "/push", data, &resp); err != nil {
				return err
			}
			fmt.Printf("Routed as %s\n", resp["route"])
			return nil
		},
	}
}

func muteCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "mute [on|off]",
		Short:     "Toggle or set voice mute",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var body interface{}
			if len(args) == 1 {
				switch args[0] {
				case "on":
					body = map[string]bool{"muted": true}
				case "off":
					body = map[string]bool{"muted": false}
				default:
					return fmt.Errorf("expected on or off, got %q", args[0])
				}
			}

			var resp map[string]bool
			if err := newClient(addr).call("POST", "/mute", body, &resp); err != nil {
				return err
			}
			if resp["muted"] {
				fmt.Println("🔇 Muted")
			} else {
				fmt.Println("🔊 Unmuted")
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <kind>",
		Short: "Run one pipeline cycle now (location, foreground, sensor, wakeword)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := core.ParseSignalKind(args[0])
			if !ok {
				return fmt.Errorf("unknown kind %q", args[0])
			}
			path := "/pipeline/" + string(kind) + "/run"
			if kind == core.KindWakeword {
				path = "/wakeword/activate"
			}
			if err := newClient(addr).call("POST", path, nil, nil); err != nil {
				return err
			}
			fmt.Printf("▶️  %s cycle started\n", kind)
			return nil
		},
	}
}

func sosCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sos [location]",
		Short: "Start the SOS countdown",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if len(args) == 1 {
				body["location"] = args[0]
			}
			var sess struct {
				Deadline time.Time `json:"deadline"`
				Message  string    `json:"message"`
			}
			if err := newClient(addr).call("POST", "/sos", body, &sess); err != nil {
				return err
			}
			fmt.Printf("🚨 SOS at %s unless cancelled (nctl sos cancel)\n", sess.Deadline.Local().Format(time.Kitchen+":05"))
			fmt.Printf("   %s\n", sess.Message)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel",
		Short: "Cancel a running SOS countdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]bool
			if err := newClient(addr).call("POST", "/sos/cancel", nil, &resp); err != nil {
				return err
			}
			if resp["cancelled"] {
				fmt.Println("SOS cancelled")
			} else {
				fmt.Println("No SOS countdown was running")
			}
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nctl %s\n", version)
		},
	}
}
