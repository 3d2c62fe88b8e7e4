package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pocketpilot/syncd/internal/connectivity"
	"github.com/pocketpilot/syncd/internal/coordinator"
	"github.com/pocketpilot/syncd/internal/diag"
	"github.com/pocketpilot/syncd/internal/outbox"
	"github.com/pocketpilot/syncd/internal/remote"
	"github.com/pocketpilot/syncd/internal/store"
	"github.com/pocketpilot/syncd/internal/subscription"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Opens the local cache database (entities + outbox)
  2. Subscribes to change streams for the configured tables
  3. Monitors connectivity and drains the outbox when online
  4. Serves diagnostics on a local WebSocket endpoint

Example usage:
  syncd run
  syncd run --config /etc/pocketpilot/syncd.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon() error {
	st, err := store.Open(viper.GetString("db.path"))
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer st.Close()

	if err := st.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	credentials := credentialFunc()
	apiURL := viper.GetString("api.url")

	mutator := remote.NewClient(apiURL, nil, credentials)
	dialer := remote.NewWSDialer(viper.GetString("stream.url"), credentials)

	monitor := connectivity.New(&connectivity.Config{
		Interval:  viper.GetDuration("probe.interval"),
		ProbeAddr: probeAddr(apiURL),
		Logger:    newLogger("[connectivity] "),
	})

	coordCfg := coordinator.DefaultConfig()
	coordCfg.Tables = viper.GetStringSlice("tables")
	coordCfg.Logger = newLogger("[coordinator] ")

	subCfg := subscription.DefaultConfig()
	subCfg.Logger = newLogger("[subscription] ")
	coordCfg.Subscription = subCfg

	outCfg := outbox.DefaultConfig()
	outCfg.MaxAttempts = viper.GetInt("retry.max_attempts")
	outCfg.Concurrency = viper.GetInt("drain.concurrency")
	outCfg.Logger = newLogger("[outbox] ")
	coordCfg.Outbox = outCfg

	coord, err := coordinator.New(st, monitor, dialer, mutator, nil, coordCfg)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	if err := coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer coord.Stop()

	diagServer := diag.NewServer(coord, &diag.Config{
		Port:   viper.GetInt("diag.port"),
		Logger: newLogger("[diag] "),
	})
	if err := diagServer.Start(); err != nil {
		return fmt.Errorf("failed to start diagnostics server: %w", err)
	}
	defer func() {
		if err := diagServer.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping diagnostics server: %v\n", err)
		}
	}()

	fmt.Printf("syncd running, diagnostics at ws://localhost:%d/ws\n", viper.GetInt("diag.port"))
	fmt.Println("Press Ctrl+C to stop...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	return nil
}

// credentialFunc returns the static-token credential source configured
// under api.token, or nil when the backend is unauthenticated. Reading
// viper per call means a config reload rotates the token live.
func credentialFunc() remote.CredentialFunc {
	if viper.GetString("api.token") == "" {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		return viper.GetString("api.token"), nil
	}
}

// probeAddr derives the connectivity probe target from the API URL.
func probeAddr(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "http":
			host += ":80"
		default:
			host += ":443"
		}
	}
	return host
}
