//go:build linux

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/jingkaihe/fangate/internal/errx"
	"github.com/jingkaihe/fangate/pkg/fanotify"
)

const DefaultExecTimeout = 5 * time.Second

// Exit codes the exec plugin understands. Anything else abstains.
const (
	ExecExitAllow = 0
	ExecExitDeny  = 1
)

// ExecConfig is the typed config for the exec plugin.
type ExecConfig struct {
	// Command is split with POSIX shell quoting rules; no shell is involved.
	Command string `json:"command" mapstructure:"command"`
	// Timeout is a Go duration string. Defaults to DefaultExecTimeout.
	Timeout string `json:"timeout,omitempty" mapstructure:"timeout"`
}

// execPlugin implements GatePlugin by running an external command per event.
// The request is passed in FANGATE_* environment variables.
type execPlugin struct {
	argv    []string
	timeout time.Duration
	logger  *slog.Logger
}

var _ GatePlugin = (*execPlugin)(nil)

func NewExecPlugin(cfg ExecConfig, logger *slog.Logger) (*execPlugin, error) {
	if logger == nil {
		logger = slog.Default()
	}
	argv, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, errx.Wrap(ErrInvalidCommand, err)
	}
	if len(argv) == 0 {
		return nil, errx.With(ErrInvalidCommand, ": empty command")
	}
	timeout := DefaultExecTimeout
	if cfg.Timeout != "" {
		timeout, err = time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, errx.Wrap(ErrInvalidCommand, err)
		}
		if timeout <= 0 {
			return nil, errx.With(ErrInvalidCommand, ": timeout must be positive")
		}
	}
	return &execPlugin{argv: argv, timeout: timeout, logger: logger}, nil
}

// NewExecPluginFromConfig creates an exec plugin from JSON config.
func NewExecPluginFromConfig(raw json.RawMessage, logger *slog.Logger) (Plugin, error) {
	var cfg ExecConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errx.Wrap(ErrPluginConfig, err)
	}
	return NewExecPlugin(cfg, logger)
}

func (p *execPlugin) Name() string {
	return "exec"
}

func (p *execPlugin) Gate(ctx context.Context, req *Request) *Verdict {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	cmd.Env = append(os.Environ(), requestEnv(req)...)
	out, err := cmd.Output()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return &Verdict{Decision: fanotify.Allow, Reason: reasonFrom(out, "exec allowed")}
	case ctx.Err() != nil:
		p.logger.Warn("exec gate timed out, abstaining", "command", p.argv[0], "timeout", p.timeout)
		return nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == ExecExitDeny:
		return &Verdict{Decision: fanotify.Deny, Reason: reasonFrom(out, "exec denied")}
	default:
		p.logger.Warn("exec gate failed, abstaining", "command", p.argv[0], "error", err)
		return nil
	}
}

func requestEnv(req *Request) []string {
	return []string{
		"FANGATE_PATH=" + req.Path,
		"FANGATE_MASK=" + req.Mask.String(),
		"FANGATE_PID=" + strconv.Itoa(int(req.Pid)),
		"FANGATE_EXE=" + req.Exe,
		"FANGATE_COMM=" + req.Comm,
		"FANGATE_UID=" + strconv.Itoa(req.UID),
	}
}

// reasonFrom uses the first line the command printed, if any.
func reasonFrom(out []byte, fallback string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" {
		return fallback
	}
	return line
}
