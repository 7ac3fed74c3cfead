//go:build linux

package policy

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jingkaihe/fangate/internal/errx"
	"github.com/jingkaihe/fangate/pkg/fanotify"
)

// Config describes the gates of an engine. Flat fields compile into the
// built-in plugins ahead of anything listed under Plugins.
type Config struct {
	// Default is the decision when every gate abstains. Empty means allow.
	Default string         `json:"default,omitempty" mapstructure:"default"`
	Rules   []Rule         `json:"rules,omitempty" mapstructure:"rules"`
	Exec    *ExecConfig    `json:"exec,omitempty" mapstructure:"exec"`
	Plugins []PluginConfig `json:"plugins,omitempty" mapstructure:"plugins"`
}

// PluginConfig selects a registered plugin type and its config.
type PluginConfig struct {
	Type    string         `json:"type" mapstructure:"type"`
	Enabled *bool          `json:"enabled,omitempty" mapstructure:"enabled"`
	Config  map[string]any `json:"config,omitempty" mapstructure:"config"`
}

// IsEnabled reports whether the plugin should be loaded. Defaults to true.
func (c PluginConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Engine asks its gates for a decision on each permission event.
type Engine struct {
	gates    []GatePlugin
	fallback fanotify.Decision
	logger   *slog.Logger
}

// NewEngine builds an engine from config. Any plugin that fails to load is an
// error.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		fallback: fanotify.Allow,
		logger:   logger.With("component", "policy"),
	}
	if cfg.Default != "" {
		d, err := fanotify.ParseDecision(cfg.Default)
		if err != nil {
			return nil, errx.Wrap(ErrInvalidDefault, err)
		}
		e.fallback = d
	}

	if len(cfg.Rules) > 0 {
		p, err := NewRulesPlugin(cfg.Rules, e.logger.With("plugin", "rules"))
		if err != nil {
			return nil, err
		}
		e.addPlugin(p)
		e.logger.Debug("plugin registered from flat config", "plugin", "rules")
	}

	if cfg.Exec != nil && cfg.Exec.Command != "" {
		p, err := NewExecPlugin(*cfg.Exec, e.logger.With("plugin", "exec"))
		if err != nil {
			return nil, err
		}
		e.addPlugin(p)
		e.logger.Debug("plugin registered from flat config", "plugin", "exec")
	}

	for _, pc := range cfg.Plugins {
		if !pc.IsEnabled() {
			continue
		}
		factory, ok := LookupFactory(pc.Type)
		if !ok {
			return nil, errx.With(ErrUnknownPlugin, " %q", pc.Type)
		}
		raw, err := json.Marshal(pc.Config)
		if err != nil {
			return nil, errx.Wrap(ErrPluginConfig, err)
		}
		p, err := factory(raw, e.logger.With("plugin", pc.Type))
		if err != nil {
			return nil, err
		}
		e.addPlugin(p)
		e.logger.Debug("plugin registered from config array", "plugin", pc.Type)
	}

	e.logger.Info("engine ready", "gates", len(e.gates), "default", e.fallback.String())
	return e, nil
}

// Audited reports whether the default or any rule, flat or under a rules
// plugin, yields an audit decision. Other plugin types are not inspected.
func (c Config) Audited() bool {
	if d, err := fanotify.ParseDecision(c.Default); err == nil && d.Audited() {
		return true
	}
	rules := append([]Rule(nil), c.Rules...)
	for _, pc := range c.Plugins {
		if pc.Type != "rules" || !pc.IsEnabled() {
			continue
		}
		raw, err := json.Marshal(pc.Config)
		if err != nil {
			continue
		}
		var rc RulesConfig
		if err := json.Unmarshal(raw, &rc); err == nil {
			rules = append(rules, rc.Rules...)
		}
	}
	for _, r := range rules {
		if d, err := fanotify.ParseDecision(r.Action); err == nil && d.Audited() {
			return true
		}
	}
	return false
}

// AddPlugin appends a gate after those built from config.
func (e *Engine) AddPlugin(p GatePlugin) {
	e.addPlugin(p)
}

func (e *Engine) addPlugin(p Plugin) {
	if gp, ok := p.(GatePlugin); ok {
		e.gates = append(e.gates, gp)
		return
	}
	e.logger.Warn("plugin has no gate phase, ignoring", "plugin", p.Name())
}

// Default returns the decision used when every gate abstains.
func (e *Engine) Default() fanotify.Decision {
	return e.fallback
}

// Decide runs the gates in order. The first non-nil verdict wins.
func (e *Engine) Decide(ctx context.Context, req *Request) Verdict {
	for _, g := range e.gates {
		v := g.Gate(ctx, req)
		if v == nil {
			continue
		}
		v.Plugin = g.Name()
		if v.Decision.Allowed() {
			e.logger.Debug("gate allowed", "plugin", v.Plugin, "path", req.Path, "pid", req.Pid)
		} else {
			e.logger.Info("gate denied", "plugin", v.Plugin, "path", req.Path, "pid", req.Pid, "reason", v.Reason)
		}
		return *v
	}
	return Verdict{Decision: e.fallback, Reason: "no gate matched", Plugin: "default"}
}
