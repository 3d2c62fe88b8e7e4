package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pocketpilot/syncd/internal/store"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage the mutation outbox",
	Long: `Manage mutations parked in the dead-letter queue.

Dead letters are mutations that failed permanently or exhausted their
retry budget. They persist until explicitly retried or discarded.`,
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.DeadLetterEntries(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No dead-letter mutations.")
			return nil
		}

		switch format {
		case "yaml":
			return printYAML(entries)
		case "table":
			printTable(entries)
			return nil
		default:
			return fmt.Errorf("unknown format %q (want table or yaml)", format)
		}
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <idempotency-key>",
	Short: "Return a dead-letter mutation to the pending queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.RetryDeadLetter(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to retry %s: %w", args[0], err)
		}
		fmt.Printf("Mutation %s returned to pending queue.\n", args[0])
		fmt.Println("It will be sent on the daemon's next drain pass.")
		return nil
	},
}

var outboxDiscardCmd = &cobra.Command{
	Use:   "discard <idempotency-key>",
	Short: "Permanently drop a dead-letter mutation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DiscardDeadLetter(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to discard %s: %w", args[0], err)
		}
		fmt.Printf("Mutation %s discarded.\n", args[0])
		return nil
	},
}

func init() {
	outboxListCmd.Flags().String("format", "table", "output format: table or yaml")
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxDiscardCmd)
	rootCmd.AddCommand(outboxCmd)
}

func openStore() (*store.Store, error) {
	st, err := store.Open(viper.GetString("db.path"))
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return st, nil
}

// deadLetterDoc is the YAML export shape for one dead letter.
type deadLetterDoc struct {
	IdempotencyKey string         `yaml:"idempotency_key"`
	Entity         string         `yaml:"entity"`
	Op             string         `yaml:"op"`
	Attempts       int            `yaml:"attempts"`
	LastError      string         `yaml:"last_error"`
	CreatedAt      time.Time      `yaml:"created_at"`
	Payload        map[string]any `yaml:"payload,omitempty"`
}

func printYAML(entries []*store.OutboxEntry) error {
	docs := make([]deadLetterDoc, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, deadLetterDoc{
			IdempotencyKey: e.IdempotencyKey,
			Entity:         fmt.Sprintf("%s/%s", e.EntityType, e.EntityID),
			Op:             string(e.Op),
			Attempts:       e.Attempts,
			LastError:      e.LastError,
			CreatedAt:      e.CreatedAt,
			Payload:        e.Payload,
		})
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(docs)
}

func printTable(entries []*store.OutboxEntry) {
	fmt.Printf("%-36s  %-20s  %-7s  %-8s  %s\n",
		"KEY", "ENTITY", "OP", "ATTEMPTS", "LAST ERROR")
	for _, e := range entries {
		lastErr := e.LastError
		if len(lastErr) > 48 {
			lastErr = lastErr[:45] + "..."
		}
		fmt.Printf("%-36s  %-20s  %-7s  %-8d  %s\n",
			e.IdempotencyKey,
			fmt.Sprintf("%s/%s", e.EntityType, e.EntityID),
			e.Op, e.Attempts, lastErr)
	}
}
