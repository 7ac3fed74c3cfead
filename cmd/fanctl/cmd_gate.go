//go:build linux

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/fangate/internal/errx"
	"github.com/jingkaihe/fangate/pkg/config"
	"github.com/jingkaihe/fangate/pkg/fanotify"
	"github.com/jingkaihe/fangate/pkg/logging"
	"github.com/jingkaihe/fangate/pkg/monitor"
	"github.com/jingkaihe/fangate/pkg/policy"
	"github.com/jingkaihe/fangate/pkg/procinfo"
)

var gateCmd = &cobra.Command{
	Use:   "gate [PATH...]",
	Short: "Allow or deny file access through a policy",
	Long: `Gate marks each PATH for permission events and answers them with the
configured policy (policy.default, policy.rules, policy.exec, policy.plugins).
Without PATH arguments the marks from the config file are used.`,
	RunE: runGate,
}

func init() {
	gateCmd.Flags().String("mask", "open_perm", "Comma separated event mask for PATH arguments")
	gateCmd.Flags().String("scope", "inode", "Mark scope for PATH arguments: inode, mount, filesystem")
	gateCmd.Flags().String("class", "", "Group class: content or pre-content (default content)")
	gateCmd.Flags().String("default", "allow", "Decision when no policy gate matches")
	gateCmd.Flags().Int("readers", 1, "Concurrent reader goroutines")
	gateCmd.Flags().Bool("restart", false, "Reinitialize the group after a fatal stream error")
	gateCmd.Flags().Bool("quiet", false, "Do not print decisions")
	gateCmd.Flags().Bool("json", false, "Print JSON lines even on a terminal")
	viper.BindPFlag("gate.mask", gateCmd.Flags().Lookup("mask"))
	viper.BindPFlag("gate.scope", gateCmd.Flags().Lookup("scope"))
	viper.BindPFlag("gate.restart", gateCmd.Flags().Lookup("restart"))
	viper.BindPFlag("gate.quiet", gateCmd.Flags().Lookup("quiet"))
	viper.BindPFlag("gate.json", gateCmd.Flags().Lookup("json"))
	viper.BindPFlag("policy.default", gateCmd.Flags().Lookup("default"))
	viper.BindPFlag("monitor.readers", gateCmd.Flags().Lookup("readers"))

	rootCmd.AddCommand(gateCmd)
}

// gateFlags resolves the init flags for a gate: an explicit --class wins,
// otherwise a notification class from the config is raised to content.
func gateFlags(cfg *config.Config, class string) (fanotify.InitFlags, error) {
	if class != "" {
		cfg.Group.Class = class
	}
	flags, err := cfg.Group.InitFlags()
	if err != nil {
		return 0, err
	}
	if !flags.Permission() {
		if class != "" {
			return 0, errx.With(ErrUsage, ": --class %q cannot gate access", class)
		}
		flags = flags&^(fanotify.ClassContent|fanotify.ClassPreContent) | fanotify.ClassContent
	}
	return flags, nil
}

func runGate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	class, _ := cmd.Flags().GetString("class")
	flags, err := gateFlags(cfg, class)
	if err != nil {
		return err
	}
	marks, err := marksFromArgs(args, viper.GetString("gate.mask"), viper.GetString("gate.scope"), cfg.Marks)
	if err != nil {
		return err
	}

	logger := slog.Default()
	engine, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		return errx.Wrap(ErrCreatePolicy, err)
	}

	emitter, err := openEmitter(cfg)
	if err != nil {
		return err
	}
	defer emitter.Close()

	var out io.Writer = os.Stdout
	if viper.GetBool("gate.quiet") {
		out = io.Discard
	}
	pr := newPrinter(out, viper.GetBool("gate.json") || viper.GetBool("gate.quiet"))

	ctx, cancel := contextWithSignal(context.Background())
	defer cancel()

	for {
		err := gateOnce(ctx, cfg, flags, marks, engine, emitter, pr, logger)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil || !viper.GetBool("gate.restart") || !fanotify.Fatal(err) || errors.Is(err, fanotify.ErrGroupClosed) {
			return err
		}
		logger.Warn("reinitializing group after stream error", "error", err)
	}
}

func gateOnce(ctx context.Context, cfg *config.Config, flags fanotify.InitFlags, marks []config.MarkConfig,
	engine *policy.Engine, emitter *logging.Emitter, pr *printer, logger *slog.Logger) error {
	g, err := openGroup(cfg, flags, marks, logger)
	if err != nil {
		return err
	}
	m, err := monitor.New(g, engine, append(cfg.Monitor.MonitorOptions(),
		monitor.WithLogger(logger),
		monitor.WithEmitter(emitter),
		monitor.WithProcReader(procinfo.NewReader(cfg.Monitor.ProcRoot)),
		monitor.WithHandler(pr.Record),
	)...)
	if err != nil {
		_ = g.Close()
		return err
	}

	_ = emitter.Emit(logging.EventGroupState, "gate started", "", nil, &logging.GroupStateData{
		State: "started", Class: flags.Class().String(), Marks: len(marks),
	})
	logger.Info("gating access", "class", flags.Class().String(), "marks", len(marks), "default", engine.Default().String())

	err = m.Run(ctx)
	state := "stopped"
	if errors.Is(err, fanotify.ErrGroupPoisoned) || errors.Is(err, fanotify.ErrUnsupportedVersion) {
		state = "poisoned"
	}
	_ = emitter.Emit(logging.EventGroupState, "gate "+state, "", nil, &logging.GroupStateData{State: state})
	return err
}
