package strategy

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	"gopkg.in/yaml.v3"

	"github.com/flexwatch/flexwatch/pkg/engine/flexlm"
)

// ExemptionRule is one operator-defined rule excluding users from bans,
// e.g. condition: "uid.startsWith('ADM') || usage_hours < 2.0".
type ExemptionRule struct {
	ID        string `yaml:"id"`
	Condition string `yaml:"condition"`
}

type rulesFile struct {
	Rules []ExemptionRule `yaml:"rules"`
}

// Exemptions evaluates the compiled exemption rules against user records.
// An empty rule set exempts nobody.
type Exemptions struct {
	env      *cel.Env
	programs map[string]cel.Program
	log      *slog.Logger
}

func NewExemptions() (*Exemptions, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("uid", decls.String),
			decls.NewVar("machine", decls.String),
			decls.NewVar("host", decls.String),
			decls.NewVar("usage_hours", decls.Double),
			decls.NewVar("banned", decls.Bool),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create rule env: %w", err)
	}
	return &Exemptions{
		env:      env,
		programs: make(map[string]cel.Program),
		log:      slog.Default(),
	}, nil
}

// LoadExemptions reads and compiles the rules file. An empty path yields
// an empty rule set.
func LoadExemptions(path string) (*Exemptions, error) {
	x, err := NewExemptions()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return x, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules file %q: %w", path, err)
	}
	if err := x.Compile(f.Rules); err != nil {
		return nil, err
	}
	return x, nil
}

// Compile turns the rules into executable programs.
func (x *Exemptions) Compile(rules []ExemptionRule) error {
	for _, r := range rules {
		ast, issues := x.env.Compile(r.Condition)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %s compilation error: %w", r.ID, issues.Err())
		}
		prg, err := x.env.Program(ast)
		if err != nil {
			return fmt.Errorf("rule %s program creation error: %w", r.ID, err)
		}
		x.programs[r.ID] = prg
	}
	return nil
}

// Exempt reports whether any rule matches the user. Rules failing to
// evaluate are logged and skipped.
func (x *Exemptions) Exempt(u *flexlm.MonitoredUser) bool {
	if len(x.programs) == 0 {
		return false
	}
	vars := map[string]any{
		"uid":         u.UID,
		"machine":     u.Machine,
		"host":        u.Host,
		"usage_hours": u.TotalUsage().Hours(),
		"banned":      u.Banned,
	}
	for id, prg := range x.programs {
		out, _, err := prg.Eval(vars)
		if err != nil {
			x.log.Error("rule evaluation failed", "rule_id", id, "error", err)
			continue
		}
		if match, ok := out.Value().(bool); ok && match {
			return true
		}
	}
	return false
}
