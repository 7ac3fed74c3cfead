//go:build linux

package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/jingkaihe/fangate/internal/errx"
	"github.com/jingkaihe/fangate/pkg/fanotify"
)

// Rule matches requests by path, executable, command name and event mask.
// Empty fields match anything. Patterns use * as a wildcard that also
// crosses "/".
type Rule struct {
	Path   string `json:"path,omitempty" mapstructure:"path"`
	Exe    string `json:"exe,omitempty" mapstructure:"exe"`
	Comm   string `json:"comm,omitempty" mapstructure:"comm"`
	Mask   string `json:"mask,omitempty" mapstructure:"mask"`
	Action string `json:"action" mapstructure:"action"`
}

// RulesConfig is the typed config for the rules plugin.
type RulesConfig struct {
	Rules []Rule `json:"rules"`
}

type compiledRule struct {
	Rule
	mask     fanotify.Mask
	decision fanotify.Decision
}

func (r *compiledRule) matches(req *Request) bool {
	if r.mask != 0 && req.Mask&r.mask == 0 {
		return false
	}
	if r.Path != "" && !matchGlob(r.Path, req.Path) {
		return false
	}
	if r.Exe != "" && !matchGlob(r.Exe, req.Exe) {
		return false
	}
	if r.Comm != "" && !matchGlob(r.Comm, req.Comm) {
		return false
	}
	return true
}

// rulesPlugin implements GatePlugin with an ordered rule list; the first
// matching rule decides.
type rulesPlugin struct {
	rules  []compiledRule
	logger *slog.Logger
}

var _ GatePlugin = (*rulesPlugin)(nil)

// NewRulesPlugin compiles rules. It fails on an unknown action or mask name.
func NewRulesPlugin(rules []Rule, logger *slog.Logger) (*rulesPlugin, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &rulesPlugin{logger: logger}
	for i, r := range rules {
		d, err := fanotify.ParseDecision(r.Action)
		if err != nil {
			return nil, errx.With(ErrInvalidRule, " %d: %w", i, err)
		}
		m, err := fanotify.ParseMask(r.Mask)
		if err != nil {
			return nil, errx.With(ErrInvalidRule, " %d: %w", i, err)
		}
		p.rules = append(p.rules, compiledRule{Rule: r, mask: m, decision: d})
	}
	return p, nil
}

// NewRulesPluginFromConfig creates a rules plugin from JSON config.
func NewRulesPluginFromConfig(raw json.RawMessage, logger *slog.Logger) (Plugin, error) {
	var cfg RulesConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errx.Wrap(ErrPluginConfig, err)
	}
	return NewRulesPlugin(cfg.Rules, logger)
}

func (p *rulesPlugin) Name() string {
	return "rules"
}

func (p *rulesPlugin) Gate(_ context.Context, req *Request) *Verdict {
	for i := range p.rules {
		r := &p.rules[i]
		if r.matches(req) {
			p.logger.Debug("rule matched", "index", i, "path", req.Path, "action", r.decision.String())
			return &Verdict{Decision: r.decision, Reason: ruleReason(i, r)}
		}
	}
	return nil
}

func ruleReason(i int, r *compiledRule) string {
	reason := "rule " + strconv.Itoa(i)
	if r.Path != "" {
		reason += " path=" + r.Path
	}
	if r.Exe != "" {
		reason += " exe=" + r.Exe
	}
	return reason
}
