//go:build linux

package main

import (
	"log/slog"

	"github.com/jingkaihe/fangate/internal/errx"
	"github.com/jingkaihe/fangate/pkg/config"
	"github.com/jingkaihe/fangate/pkg/fanotify"
	"github.com/jingkaihe/fangate/pkg/logging"
)

// marksFromArgs builds one mark per path, falling back to the configured
// marks when no paths are given.
func marksFromArgs(args []string, mask, scope string, configured []config.MarkConfig) ([]config.MarkConfig, error) {
	if len(args) == 0 {
		if len(configured) == 0 {
			return nil, ErrNoMarks
		}
		return configured, nil
	}
	marks := make([]config.MarkConfig, 0, len(args))
	for _, path := range args {
		marks = append(marks, config.MarkConfig{Path: path, Scope: scope, Mask: mask})
	}
	return marks, nil
}

// openGroup initializes a group with the configured options and applies every
// mark. The group is closed if any mark fails.
func openGroup(cfg *config.Config, flags fanotify.InitFlags, marks []config.MarkConfig, logger *slog.Logger) (*fanotify.Group, error) {
	eventFlags, err := cfg.Group.ParsedEventFlags()
	if err != nil {
		return nil, err
	}
	opts, err := cfg.Group.Options()
	if err != nil {
		return nil, err
	}
	g, err := fanotify.Init(flags, eventFlags, append(opts, fanotify.WithLogger(logger))...)
	if err != nil {
		return nil, err
	}

	for _, m := range marks {
		markFlags, mask, err := m.Resolve()
		if err == nil {
			err = g.Mark(markFlags, mask, fanotify.NoDirFD, m.Path)
		}
		if err != nil {
			_ = g.Close()
			return nil, errx.With(ErrMark, " %s: %w", m.Path, err)
		}
		logger.Debug("marked", "path", m.Path, "mask", mask.String(), "scope", m.Scope)
	}
	return g, nil
}

func openEmitter(cfg *config.Config) (*logging.Emitter, error) {
	sinks, err := logging.OpenSinks(cfg.Audit.Sinks)
	if err != nil {
		return nil, errx.Wrap(ErrOpenAudit, err)
	}
	return logging.NewEmitter(logging.EmitterConfig{RunID: cfg.Audit.RunID}, sinks...), nil
}
