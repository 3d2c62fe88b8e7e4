// Command syncd runs the Pocket Pilot sync daemon: the offline-aware
// realtime synchronization core that keeps a device's local cache of
// tasks, expenses, reminders, and chat messages reconciled with the
// backend.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Pocket Pilot sync daemon",
	Long: `syncd keeps the local Pocket Pilot cache in sync with the backend.

It maintains live change-stream subscriptions per table, queues local
mutations in a durable outbox while offline, and replays them with
retry and backoff once connectivity returns. A diagnostics WebSocket
server exposes per-table sync status for observers.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./syncd.yaml, $HOME/.pocketpilot/syncd.yaml)")
}

// initConfig loads the viper configuration and keeps watching it, so
// a running daemon picks up changes to reloadable keys without a
// restart.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("syncd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.pocketpilot")
		}
	}

	viper.SetEnvPrefix("SYNCD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("api.url", "https://api.pocketpilot.dev")
	viper.SetDefault("stream.url", "wss://stream.pocketpilot.dev")
	viper.SetDefault("db.path", ".pocketpilot/sync.db")
	viper.SetDefault("tables", []string{"tasks", "expenses", "reminders", "messages"})
	viper.SetDefault("probe.interval", "5s")
	viper.SetDefault("retry.max_attempts", 8)
	viper.SetDefault("drain.concurrency", 4)
	viper.SetDefault("diag.port", 8719)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
		return
	}

	viper.OnConfigChange(func(e fsnotify.Event) {
		fmt.Fprintf(os.Stderr, "Config reloaded: %s\n", e.Name)
	})
	viper.WatchConfig()
}

// newLogger builds a component logger. With log.file configured the
// output goes to a size-rotated file; otherwise stderr.
func newLogger(prefix string) *log.Logger {
	var w io.Writer = os.Stderr
	if path := viper.GetString("log.file"); path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	return log.New(w, prefix, log.LstdFlags)
}
