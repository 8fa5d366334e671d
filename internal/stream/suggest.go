package stream

import (
	"errors"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ActionKind is the closed set of follow-on action categories attached to
// a finished reply.
type ActionKind string

const (
	ActionPlan       ActionKind = "plan"
	ActionFollowUp   ActionKind = "followup"
	ActionLearn      ActionKind = "learn"
	ActionMedication ActionKind = "medication"
	ActionOther      ActionKind = "other"
)

// Action is one suggested follow-on action.
type Action struct {
	Kind  ActionKind `json:"kind"`
	Label string     `json:"label"`
}

type suggestRule struct {
	Kind     ActionKind
	Label    string
	Keywords []string
}

var defaultSuggestRules = []suggestRule{
	{Kind: ActionPlan, Label: "Create a care plan", Keywords: []string{"plan", "routine", "schedule", "step by step"}},
	{Kind: ActionFollowUp, Label: "Set a follow-up check-in", Keywords: []string{"follow up", "follow-up", "check in", "check-in", "monitor", "track", "keep an eye"}},
	{Kind: ActionLearn, Label: "Learn more about this", Keywords: []string{"learn more", "read about", "more information", "resources"}},
	{Kind: ActionMedication, Label: "Review your medications", Keywords: []string{"medication", "medicine", "prescription", "dose", "pharmacist"}},
}

// Suggester derives suggested actions from completed reply text by
// keyword match. The zero value is not usable; construct with NewSuggester.
type Suggester struct {
	rules []suggestRule
}

func NewSuggester() *Suggester {
	return &Suggester{rules: defaultSuggestRules}
}

type suggestRulesFile struct {
	Suggestions []struct {
		Kind     string   `yaml:"kind"`
		Label    string   `yaml:"label"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"suggestions"`
}

// LoadRules replaces the rule set from a YAML file. Unknown kinds map to
// ActionOther so the downstream switches stay exhaustive.
func (s *Suggester) LoadRules(path string) error {
	if s == nil {
		return errors.New("nil suggester")
	}
	b, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return err
	}
	var rf suggestRulesFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return err
	}
	if len(rf.Suggestions) == 0 {
		return nil
	}
	rules := make([]suggestRule, 0, len(rf.Suggestions))
	for _, raw := range rf.Suggestions {
		label := strings.TrimSpace(raw.Label)
		keywords := make([]string, 0, len(raw.Keywords))
		for _, k := range raw.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				keywords = append(keywords, k)
			}
		}
		if label == "" || len(keywords) == 0 {
			continue
		}
		rules = append(rules, suggestRule{Kind: normalizeKind(raw.Kind), Label: label, Keywords: keywords})
	}
	if len(rules) > 0 {
		s.rules = rules
	}
	return nil
}

func normalizeKind(raw string) ActionKind {
	switch ActionKind(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionPlan:
		return ActionPlan
	case ActionFollowUp:
		return ActionFollowUp
	case ActionLearn:
		return ActionLearn
	case ActionMedication:
		return ActionMedication
	default:
		return ActionOther
	}
}

// Derive matches the full reply text against the rule set, first matching
// keyword per rule, one action per matched rule, in rule order.
func (s *Suggester) Derive(fullText string) []Action {
	if s == nil || strings.TrimSpace(fullText) == "" {
		return nil
	}
	lowered := strings.ToLower(fullText)
	var out []Action
	for _, rule := range s.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lowered, strings.ToLower(kw)) {
				out = append(out, Action{Kind: rule.Kind, Label: rule.Label})
				break
			}
		}
	}
	return out
}
