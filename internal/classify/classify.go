// Package classify diagnoses failed calculation attempts and proposes
// deterministic parameter corrections for the next attempt.
//
// Diagnosis is an ordered table of (pattern, category, adjustments)
// rules evaluated in priority order; the first matching rule wins.
// Unmatched diagnostics are non-correctable by default: the engine
// fails safe rather than guessing.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"vaspilot/internal/job"
)

// Category labels a diagnosed failure.
type Category string

const (
	CategoryWalltime          Category = "walltime_exceeded"
	CategoryMemory            Category = "insufficient_memory"
	CategoryBasisSet          Category = "basis_set_inconsistency"
	CategoryElectronicNonConv Category = "electronic_nonconvergence"
	CategoryIonicNonConv      Category = "ionic_nonconvergence"
	CategorySchedulerFault    Category = "scheduler_transient"
	CategoryUnknown           Category = "unknown"
)

// maxExcerptLen bounds the diagnostic excerpt kept on the attempt record.
const maxExcerptLen = 240

// Diagnostics is the raw input to classification: log text from the
// attempt's working directory plus structured exit information.
type Diagnostics struct {
	Log            string // stdout/stderr and output-file excerpts
	SchedulerState string // scheduler-reported terminal state, if any
	SubmitError    string // error text when submission itself failed
}

// Result is the classification outcome. Delta is nil when the failure
// is not correctable; it is a parameter delta to merge over the previous
// attempt's parameters, never a full replacement.
type Result struct {
	Category    Category
	Correctable bool
	Delta       job.Params
	Excerpt     string
}

// Adjustment is one deterministic parameter correction. Every operation
// is monotonic with a saturating bound, so repeated application of the
// same rule converges instead of diverging.
type Adjustment struct {
	Param  string   `yaml:"param"`
	Op     string   `yaml:"op"` // "scale", "add" or "set"
	Factor float64  `yaml:"factor,omitempty"`
	Amount float64  `yaml:"amount,omitempty"`
	Value  any      `yaml:"value,omitempty"`
	Base   *float64 `yaml:"base,omitempty"`  // starting value when the parameter is absent
	Floor  *float64 `yaml:"floor,omitempty"` // lower saturation bound
	Ceil   *float64 `yaml:"ceil,omitempty"`  // upper saturation bound
}

// RuleConfig is the YAML-facing form of one signature rule.
type RuleConfig struct {
	Name        string       `yaml:"name"`
	Pattern     string       `yaml:"pattern"`
	Category    string       `yaml:"category"`
	Correctable bool         `yaml:"correctable"`
	Adjust      []Adjustment `yaml:"adjust,omitempty"`
}

type rule struct {
	re  *regexp.Regexp
	cfg RuleConfig
}

// Table is an ordered failure-signature table. It is immutable after
// construction and safe for concurrent use.
type Table struct {
	rules []rule
}

// NewTable compiles rule configs into a table, preserving order.
func NewTable(cfgs []RuleConfig) (*Table, error) {
	t := &Table{rules: make([]rule, 0, len(cfgs))}
	for i, cfg := range cfgs {
		if cfg.Pattern == "" {
			return nil, fmt.Errorf("rule %d (%s): pattern is required", i, cfg.Name)
		}
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, cfg.Name, err)
		}
		for _, adj := range cfg.Adjust {
			switch adj.Op {
			case "scale", "add", "set":
			default:
				return nil, fmt.Errorf("rule %d (%s): unknown op %q", i, cfg.Name, adj.Op)
			}
		}
		t.rules = append(t.rules, rule{re: re, cfg: cfg})
	}
	return t, nil
}

// Classify matches diagnostics against the table and, for correctable
// categories, computes the parameter delta relative to prev.
func (t *Table) Classify(diag Diagnostics, prev job.Params) Result {
	text := diag.Log
	if diag.SubmitError != "" {
		text = diag.SubmitError + "\n" + text
	}

	for _, r := range t.rules {
		loc := r.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		res := Result{
			Category:    Category(r.cfg.Category),
			Correctable: r.cfg.Correctable,
			Excerpt:     excerpt(text, loc),
		}
		if r.cfg.Correctable {
			res.Delta = applyAdjustments(r.cfg.Adjust, prev)
		}
		return res
	}

	return Result{
		Category:    CategoryUnknown,
		Correctable: false,
		Excerpt:     tailExcerpt(text),
	}
}

// applyAdjustments computes the delta for a rule against the previous
// parameter set. Each adjustment clamps to its bound, so a parameter
// already at the bound stays there.
func applyAdjustments(adjs []Adjustment, prev job.Params) job.Params {
	delta := job.Params{}
	for _, adj := range adjs {
		switch adj.Op {
		case "set":
			delta[adj.Param] = adj.Value

		case "scale", "add":
			cur, ok := prev.Float(adj.Param)
			if !ok {
				if adj.Base == nil {
					continue // nothing to adjust from
				}
				cur = *adj.Base
			}
			next := cur
			if adj.Op == "scale" {
				next = cur * adj.Factor
			} else {
				next = cur + adj.Amount
			}
			if adj.Floor != nil && next < *adj.Floor {
				next = *adj.Floor
			}
			if adj.Ceil != nil && next > *adj.Ceil {
				next = *adj.Ceil
			}
			delta[adj.Param] = next
		}
	}
	return delta
}

// excerpt returns the line containing the match, trimmed.
func excerpt(text string, loc []int) string {
	start := strings.LastIndexByte(text[:loc[0]], '\n') + 1
	end := strings.IndexByte(text[loc[1]:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += loc[1]
	}
	line := strings.TrimSpace(text[start:end])
	if len(line) > maxExcerptLen {
		line = line[:maxExcerptLen]
	}
	return line
}

// tailExcerpt returns the last non-empty lines of unmatched diagnostics.
func tailExcerpt(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < 3; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			kept = append([]string{line}, kept...)
		}
	}
	out := strings.Join(kept, "\n")
	if len(out) > maxExcerptLen {
		out = out[len(out)-maxExcerptLen:]
	}
	return out
}
