//go:build linux

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/fangate/pkg/fanotify"
	"github.com/jingkaihe/fangate/pkg/logging"
	"github.com/jingkaihe/fangate/pkg/monitor"
	"github.com/jingkaihe/fangate/pkg/procinfo"
)

var watchCmd = &cobra.Command{
	Use:   "watch [PATH...]",
	Short: "Print file access notifications",
	Long: `Watch marks each PATH on a notification group and prints every event.
Without PATH arguments the marks from the config file are used.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("mask", "open,modify,close", "Comma separated event mask for PATH arguments")
	watchCmd.Flags().String("scope", "inode", "Mark scope for PATH arguments: inode, mount, filesystem")
	watchCmd.Flags().Int("count", 0, "Exit after this many events (0 = unlimited)")
	watchCmd.Flags().Bool("json", false, "Print JSON lines even on a terminal")
	viper.BindPFlag("watch.mask", watchCmd.Flags().Lookup("mask"))
	viper.BindPFlag("watch.scope", watchCmd.Flags().Lookup("scope"))
	viper.BindPFlag("watch.count", watchCmd.Flags().Lookup("count"))
	viper.BindPFlag("watch.json", watchCmd.Flags().Lookup("json"))

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	marks, err := marksFromArgs(args, viper.GetString("watch.mask"), viper.GetString("watch.scope"), cfg.Marks)
	if err != nil {
		return err
	}

	// Notification output never needs a permission class.
	flags, err := cfg.Group.InitFlags()
	if err != nil {
		return err
	}
	flags = flags&^(fanotify.ClassContent|fanotify.ClassPreContent) | fanotify.ClassNotif

	logger := slog.Default()
	g, err := openGroup(cfg, flags, marks, logger)
	if err != nil {
		return err
	}

	emitter, err := openEmitter(cfg)
	if err != nil {
		_ = g.Close()
		return err
	}
	defer emitter.Close()
	_ = emitter.Emit(logging.EventGroupState, "watch started", "", nil, &logging.GroupStateData{
		State: "started", Class: flags.Class().String(), Marks: len(marks),
	})

	out := newPrinter(os.Stdout, viper.GetBool("watch.json"))
	m, err := monitor.New(g, nil, append(cfg.Monitor.MonitorOptions(),
		monitor.WithLogger(logger),
		monitor.WithEmitter(emitter),
		monitor.WithProcReader(procinfo.NewReader(cfg.Monitor.ProcRoot)),
		monitor.WithHandler(out.Record),
		monitor.WithLimit(viper.GetInt("watch.count")),
	)...)
	if err != nil {
		_ = g.Close()
		return err
	}

	ctx, cancel := contextWithSignal(context.Background())
	defer cancel()
	err = m.Run(ctx)
	_ = emitter.Emit(logging.EventGroupState, "watch stopped", "", nil, &logging.GroupStateData{State: "stopped"})
	return err
}
