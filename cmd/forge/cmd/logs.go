package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elaas-dev/forge/internal/logstream"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/valkey-io/valkey-go"
)

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs [deployment-id]",
	Short: "Show a deployment run's log",
	Long: `Print the persisted log of one run. With -f the command keeps streaming new
lines until the run finishes: over valkey pub/sub when the valkey queue is
configured, otherwise by polling the database.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := cmd.Context()
		id, err := parseID(args[0], "deployment")
		if err != nil {
			return err
		}

		rs, err := eng.svc.Status(ctx, id, false)
		if err != nil {
			return err
		}
		for _, line := range rs.Logs {
			fmt.Println(line)
		}
		if !logsFollow || rs.Status.Terminal() {
			return nil
		}

		if eng.valkey != nil {
			return followValkey(ctx, eng.valkey, id)
		}
		return followPolling(ctx, eng, id, len(rs.Logs))
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream new lines until the run finishes")
	rootCmd.AddCommand(logsCmd)
}

// terminalMarker reports whether a line is one of the worker's end-of-run
// markers, which double as the stream's close signal for followers.
func terminalMarker(line string) bool {
	return strings.HasPrefix(line, "[COMPLETED]") ||
		strings.HasPrefix(line, "[ERROR]") ||
		strings.HasPrefix(line, "[CANCELLED]")
}

// followValkey streams lines over pub/sub until a terminal marker arrives.
func followValkey(ctx context.Context, client valkey.Client, id uuid.UUID) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := logstream.Follow(ctx, client, id, func(line string) {
		fmt.Println(line)
		if terminalMarker(line) {
			cancel()
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// followPolling re-reads the persisted log until the run turns terminal.
// Worker hosts flush in batches, so lines arrive with up to one flush
// interval of lag.
func followPolling(ctx context.Context, eng *engine, id uuid.UUID, printed int) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		rs, err := eng.svc.Status(ctx, id, false)
		if err != nil {
			return err
		}
		for _, line := range rs.Logs[min(printed, len(rs.Logs)):] {
			fmt.Println(line)
		}
		printed = max(printed, len(rs.Logs))
		if rs.Status.Terminal() {
			return nil
		}
	}
}
