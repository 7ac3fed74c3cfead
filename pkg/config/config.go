//go:build linux

// Package config loads fangate settings from a file, FANGATE_* environment
// variables and bound command-line flags.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jingkaihe/fangate/internal/errx"
	"github.com/jingkaihe/fangate/pkg/fanotify"
	"github.com/jingkaihe/fangate/pkg/logging"
	"github.com/jingkaihe/fangate/pkg/monitor"
	"github.com/jingkaihe/fangate/pkg/policy"
)

const EnvPrefix = "FANGATE"

type Config struct {
	Group   GroupConfig   `mapstructure:"group"`
	Marks   []MarkConfig  `mapstructure:"marks"`
	Policy  policy.Config `mapstructure:"policy"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Audit   AuditConfig   `mapstructure:"audit"`
}

// GroupConfig maps onto fanotify.Init.
type GroupConfig struct {
	Class          string `mapstructure:"class"`       // notif, content, pre-content
	EventFlags     string `mapstructure:"event_flags"` // e.g. "rdonly,cloexec,largefile"
	BufferSize     int    `mapstructure:"buffer_size"`
	Corruption     string `mapstructure:"corruption"`       // discard or poison
	Discard        string `mapstructure:"discard_decision"` // decision for events in a discarded batch
	EnableAudit    bool   `mapstructure:"enable_audit"`
	UnlimitedQueue bool   `mapstructure:"unlimited_queue"`
	UnlimitedMarks bool   `mapstructure:"unlimited_marks"`
	ReportTID      bool   `mapstructure:"report_tid"`
}

// MarkConfig is one fanotify_mark(FAN_MARK_ADD) request.
type MarkConfig struct {
	Path       string `mapstructure:"path"`
	Scope      string `mapstructure:"scope"` // inode, mount, filesystem
	Mask       string `mapstructure:"mask"`
	OnlyDir    bool   `mapstructure:"only_dir"`
	DontFollow bool   `mapstructure:"dont_follow"`
}

type MonitorConfig struct {
	Readers    int           `mapstructure:"readers"`
	MinBackoff time.Duration `mapstructure:"min_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	ExemptSelf bool          `mapstructure:"exempt_self"`
	ProcRoot   string        `mapstructure:"proc_root"`
}

type AuditConfig struct {
	RunID string               `mapstructure:"run_id"`
	Sinks []logging.SinkConfig `mapstructure:"sinks"`
}

// SetDefaults registers every scalar key so environment variables can
// override them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("group.class", "notif")
	v.SetDefault("group.event_flags", "rdonly,cloexec,largefile")
	v.SetDefault("group.buffer_size", fanotify.DefaultBufferSize)
	v.SetDefault("group.corruption", fanotify.DiscardBatch.String())
	v.SetDefault("group.discard_decision", fanotify.Deny.String())
	v.SetDefault("group.enable_audit", false)
	v.SetDefault("group.unlimited_queue", false)
	v.SetDefault("group.unlimited_marks", false)
	v.SetDefault("group.report_tid", false)
	v.SetDefault("policy.default", fanotify.Allow.String())
	v.SetDefault("monitor.readers", monitor.DefaultReaders)
	v.SetDefault("monitor.min_backoff", monitor.DefaultMinBackoff)
	v.SetDefault("monitor.max_backoff", monitor.DefaultMaxBackoff)
	v.SetDefault("monitor.exempt_self", true)
	v.SetDefault("monitor.proc_root", "/proc")
	v.SetDefault("audit.run_id", "")
}

// Load reads path (if non-empty) into v, layers FANGATE_* environment
// variables on top, and returns the validated result. Keys already bound to
// flags on v take precedence over both.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errx.Wrap(ErrReadConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errx.Wrap(ErrDecodeConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field that would otherwise fail later in Init, Mark or
// engine construction.
func (c *Config) Validate() error {
	flags, err := c.Group.InitFlags()
	if err != nil {
		return err
	}
	if _, err := c.Group.ParsedEventFlags(); err != nil {
		return err
	}
	if _, err := c.Group.Options(); err != nil {
		return err
	}
	for i, m := range c.Marks {
		_, mask, err := m.Resolve()
		if err != nil {
			return errx.With(ErrInvalidConfig, ": marks[%d]: %w", i, err)
		}
		if mask.IsPermission() && !flags.Permission() {
			return errx.With(ErrInvalidConfig, ": marks[%d]: %s needs a content or pre-content class", i, mask&fanotify.PermissionEvents)
		}
	}
	if _, err := policy.NewEngine(c.Policy, nil); err != nil {
		return errx.With(ErrInvalidConfig, ": policy: %w", err)
	}
	if c.Policy.Audited() && !c.Group.EnableAudit {
		return errx.With(ErrInvalidConfig, ": policy: audit decisions need group.enable_audit")
	}
	if c.Monitor.Readers < 0 {
		return errx.With(ErrInvalidConfig, ": monitor.readers must not be negative")
	}
	for i, s := range c.Audit.Sinks {
		if s.Path == "" {
			return errx.With(ErrInvalidConfig, ": audit.sinks[%d] has no path", i)
		}
	}
	return nil
}

// InitFlags returns the class plus the optional init flags.
func (g GroupConfig) InitFlags() (fanotify.InitFlags, error) {
	flags, err := fanotify.ParseClass(g.Class)
	if err != nil {
		return 0, errx.With(ErrInvalidConfig, ": group.class: %w", err)
	}
	if g.EnableAudit {
		flags |= fanotify.EnableAudit
	}
	if g.UnlimitedQueue {
		flags |= fanotify.UnlimitedQueue
	}
	if g.UnlimitedMarks {
		flags |= fanotify.UnlimitedMarks
	}
	if g.ReportTID {
		flags |= fanotify.ReportTID
	}
	return flags, nil
}

func (g GroupConfig) ParsedEventFlags() (fanotify.EventFlags, error) {
	f, err := fanotify.ParseEventFlags(g.EventFlags)
	if err != nil {
		return 0, errx.With(ErrInvalidConfig, ": group.event_flags: %w", err)
	}
	return f, nil
}

// Options returns the fanotify.Init options the group settings imply.
func (g GroupConfig) Options() ([]fanotify.Option, error) {
	var opts []fanotify.Option
	if g.BufferSize > 0 {
		opts = append(opts, fanotify.WithBufferSize(g.BufferSize))
	}
	p, err := fanotify.ParseCorruptionPolicy(g.Corruption)
	if err != nil {
		return nil, errx.With(ErrInvalidConfig, ": group.corruption %q: %w", g.Corruption, err)
	}
	opts = append(opts, fanotify.WithCorruptionPolicy(p))
	if g.Discard != "" {
		d, err := fanotify.ParseDecision(g.Discard)
		if err != nil {
			return nil, errx.With(ErrInvalidConfig, ": group.discard_decision: %w", err)
		}
		opts = append(opts, fanotify.WithDiscardDecision(d))
	}
	return opts, nil
}

// Resolve returns the mark flags (always including MarkAdd) and mask.
func (m MarkConfig) Resolve() (fanotify.MarkFlags, fanotify.Mask, error) {
	if m.Path == "" {
		return 0, 0, errx.With(fanotify.ErrInvalidTarget, ": empty path")
	}
	scope, err := fanotify.ParseScope(m.Scope)
	if err != nil {
		return 0, 0, err
	}
	mask, err := fanotify.ParseMask(m.Mask)
	if err != nil {
		return 0, 0, err
	}
	if mask == 0 {
		return 0, 0, errx.With(fanotify.ErrInvalidMask, ": empty mask")
	}
	flags := fanotify.MarkAdd | scope
	if m.OnlyDir {
		flags |= fanotify.MarkOnlyDir
	}
	if m.DontFollow {
		flags |= fanotify.MarkDontFollow
	}
	return flags, mask, nil
}

// MonitorOptions returns the monitor options these settings imply.
func (m MonitorConfig) MonitorOptions() []monitor.Option {
	return []monitor.Option{
		monitor.WithReaders(m.Readers),
		monitor.WithBackoff(m.MinBackoff, m.MaxBackoff),
		monitor.WithSelfExemption(m.ExemptSelf),
	}
}
