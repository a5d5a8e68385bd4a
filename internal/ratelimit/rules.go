package ratelimit

import (
	"strings"
	"time"
)

// Well-known resource and action names used across the service layer.
const (
	ResourceAuth    = "auth"
	ResourceMFA     = "mfa"
	ResourceSession = "session"

	ActionLogin        = "login"
	ActionSecondFactor = "verify_2fa"
	ActionBackupCode   = "backup_code"
	ActionRefresh      = "refresh"
	ActionEnroll       = "enroll"
)

// Rule caps the number of attempts on a resource/action pair within a fixed
// window.
type Rule struct {
	Resource   string        `mapstructure:"resource"`
	Action     string        `mapstructure:"action"`
	MaxAllowed int           `mapstructure:"max_allowed"`
	Window     time.Duration `mapstructure:"window"`
}

func (r Rule) valid() bool {
	return r.Resource != "" && r.Action != "" && r.MaxAllowed > 0 && r.Window > 0
}

// RuleSet resolves resource/action pairs to limits. Pairs without a rule are
// unlimited.
type RuleSet struct {
	rules map[string]Rule
}

// DefaultRules covers the authentication surface with conservative limits.
func DefaultRules() []Rule {
	return []Rule{
		{Resource: ResourceAuth, Action: ActionLogin, MaxAllowed: 5, Window: 5 * time.Minute},
		{Resource: ResourceMFA, Action: ActionSecondFactor, MaxAllowed: 5, Window: 5 * time.Minute},
		{Resource: ResourceMFA, Action: ActionBackupCode, MaxAllowed: 3, Window: 15 * time.Minute},
		{Resource: ResourceMFA, Action: ActionEnroll, MaxAllowed: 10, Window: time.Hour},
		{Resource: ResourceSession, Action: ActionRefresh, MaxAllowed: 30, Window: time.Minute},
	}
}

// NewRuleSet builds a rule set from the supplied rules, later entries
// overriding earlier ones for the same pair. Invalid rules are skipped.
func NewRuleSet(rules []Rule) *RuleSet {
	set := &RuleSet{rules: make(map[string]Rule, len(rules))}
	for _, rule := range rules {
		rule.Resource = strings.TrimSpace(rule.Resource)
		rule.Action = strings.TrimSpace(rule.Action)
		if !rule.valid() {
			continue
		}
		set.rules[ruleKey(rule.Resource, rule.Action)] = rule
	}
	return set
}

// Lookup returns the rule for a resource/action pair.
func (s *RuleSet) Lookup(resource, action string) (Rule, bool) {
	rule, ok := s.rules[ruleKey(strings.TrimSpace(resource), strings.TrimSpace(action))]
	return rule, ok
}

func ruleKey(resource, action string) string {
	return resource + ":" + action
}
