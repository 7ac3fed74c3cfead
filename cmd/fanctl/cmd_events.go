//go:build linux

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/fangate/internal/errx"
	"github.com/jingkaihe/fangate/pkg/logging"
)

var eventsCmd = &cobra.Command{
	Use:   "events FILE",
	Short: "Print audit events from a JSONL, CBOR or SQLite audit log",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().String("run", "", "Only events from this run ID")
	eventsCmd.Flags().String("type", "", "Only events of this type (access, decision, read_error, group_state)")
	eventsCmd.Flags().Int("limit", 0, "Only the most recent N events (0 = all)")
	eventsCmd.Flags().Bool("json", false, "Print JSON lines even on a terminal")
	viper.BindPFlag("events.run", eventsCmd.Flags().Lookup("run"))
	viper.BindPFlag("events.type", eventsCmd.Flags().Lookup("type"))
	viper.BindPFlag("events.limit", eventsCmd.Flags().Lookup("limit"))
	viper.BindPFlag("events.json", eventsCmd.Flags().Lookup("json"))

	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	q := logging.Query{
		RunID:     viper.GetString("events.run"),
		EventType: viper.GetString("events.type"),
		Limit:     viper.GetInt("events.limit"),
	}
	events, err := readAudit(cmd.Context(), args[0], q)
	if err != nil {
		return errx.Wrap(ErrReadAudit, err)
	}

	out := newPrinter(os.Stdout, viper.GetBool("events.json"))
	for _, ev := range events {
		out.Event(ev)
	}
	return nil
}

// readAudit picks the decoder from the file extension. SQLite filters in the
// query; the file formats are filtered after decoding.
func readAudit(ctx context.Context, path string, q logging.Query) ([]*logging.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		events []*logging.Event
		err    error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return logging.QueryEvents(ctx, path, q)
	case ".cbor":
		events, err = logging.ReadCBOR(path)
	default:
		events, err = logging.ReadJSONL(path)
	}
	if err != nil {
		return nil, err
	}
	return filterEvents(events, q), nil
}

func filterEvents(events []*logging.Event, q logging.Query) []*logging.Event {
	out := events[:0]
	for _, ev := range events {
		if q.RunID != "" && ev.RunID != q.RunID {
			continue
		}
		if q.EventType != "" && ev.EventType != q.EventType {
			continue
		}
		out = append(out, ev)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}
