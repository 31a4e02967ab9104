package stages

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/mmdatafocus/docflow_backend/models"
)

// PolicyRule auto-approves a proposal when every condition set on it holds.
type PolicyRule struct {
	Name           string   `yaml:"name"`
	MaxTotal       string   `yaml:"max_total"`
	MinConfidence  float64  `yaml:"min_confidence"`
	Currencies     []string `yaml:"currencies"`
	Vendors        []string `yaml:"vendors"`
	RequiredFields []string `yaml:"required_fields"`

	maxTotal int64
	hasMax   bool
}

type policyFile struct {
	Rules []PolicyRule `yaml:"rules"`
}

// RulePolicy evaluates proposals against YAML rules in order; the first match wins.
// A policy without rules sends everything to a reviewer.
type RulePolicy struct {
	Rules []PolicyRule
}

// LoadRulePolicy reads path. An empty path yields an empty policy.
func LoadRulePolicy(path string, exp int32) (*RulePolicy, error) {
	if path == "" {
		return &RulePolicy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParseRulePolicy(data, exp)
}

func ParseRulePolicy(data []byte, exp int32) (*RulePolicy, error) {
	var f policyFile
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	for i := range f.Rules {
		r := &f.Rules[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule_%d", i+1)
		}
		if r.MinConfidence < 0 || r.MinConfidence > 1 {
			return nil, fmt.Errorf("rule %s: min_confidence %v outside [0,1]", r.Name, r.MinConfidence)
		}
		if r.MaxTotal != "" {
			v, err := parseAmount(r.MaxTotal, exp)
			if err != nil {
				return nil, fmt.Errorf("rule %s: max_total: %w", r.Name, err)
			}
			r.maxTotal, r.hasMax = v, true
		}
	}
	return &RulePolicy{Rules: f.Rules}, nil
}

func (p *RulePolicy) Evaluate(ctx context.Context, prop *models.Proposal, doc *models.Document) (models.PolicyDecision, error) {
	if !prop.Balanced() {
		return models.PolicyDecision{Reason: "proposal is not balanced"}, nil
	}
	if len(p.Rules) == 0 {
		return models.PolicyDecision{Reason: "no auto-approval rules configured"}, nil
	}
	var misses []string
	for i := range p.Rules {
		r := &p.Rules[i]
		if why := r.miss(prop, doc); why != "" {
			misses = append(misses, r.Name+": "+why)
			continue
		}
		return models.PolicyDecision{
			AutoApprove: true,
			Rule:        r.Name,
			Reason:      fmt.Sprintf("matched rule %s", r.Name),
		}, nil
	}
	return models.PolicyDecision{Reason: "no rule matched (" + strings.Join(misses, "; ") + ")"}, nil
}

// miss returns why the rule does not apply, or "" when it does.
func (r *PolicyRule) miss(p *models.Proposal, doc *models.Document) string {
	if r.hasMax && p.TotalDebit > r.maxTotal {
		return fmt.Sprintf("total %d above %d", p.TotalDebit, r.maxTotal)
	}
	if r.MinConfidence > 0 && p.AiConfidence < r.MinConfidence {
		return fmt.Sprintf("confidence %.2f below %.2f", p.AiConfidence, r.MinConfidence)
	}
	if len(r.Currencies) > 0 && !containsFold(r.Currencies, p.Currency) {
		return fmt.Sprintf("currency %q not allowed", p.Currency)
	}
	if len(r.Vendors) > 0 {
		vendor, _ := doc.ExtractedFields["vendor"].(string)
		if !containsFold(r.Vendors, strings.TrimSpace(vendor)) {
			return fmt.Sprintf("vendor %q not allowed", vendor)
		}
	}
	for _, f := range r.RequiredFields {
		v, ok := doc.ExtractedFields[f]
		if !ok || v == nil || v == "" {
			return fmt.Sprintf("missing field %s", f)
		}
	}
	return ""
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
