// Package rules evaluates versioned rule documents against classified
// items and produces rule actions.
//
// A rule fires when all of its conditions hold. Its actions are emitted as
// model.RuleAction entries; nothing is executed against the mailbox here.
package rules

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pipeline"
)

// SchemaV1 tags the first rule document layout.
const SchemaV1 = "rule/v1"

// RefPlaceholder in an action value expands to every reference matched
// by the rule's mentions_ref condition.
const RefPlaceholder = "$ref"

// Condition kinds.
const (
	CondFromContains      = "from_contains"
	CondFromDomain        = "from_domain"
	CondSubjectContains   = "subject_contains"
	CondBodyContains      = "body_contains"
	CondBodyMatches       = "body_matches"
	CondFolderIs          = "folder_is"
	CondHasFlag           = "has_flag"
	CondCategoryIs        = "category_is"
	CondTagIs             = "tag_is"
	CondUrgencyAtLeast    = "urgency_at_least"
	CondImportanceAtLeast = "importance_at_least"
	CondMentionsRef       = "mentions_ref"
)

// evaluation carries per-item state across the conditions of one rule.
type evaluation struct {
	item *model.ItemContent
	cls  *model.Classification
	refs []string
}

type condition func(e *evaluation) bool

// Rule is a compiled rule document.
type Rule struct {
	Name       string
	conditions []condition
	actions    []model.RuleActionConfig
}

// Engine applies compiled rules in configuration order.
type Engine struct {
	rules []Rule
}

var _ pipeline.RuleApplier = (*Engine)(nil)

// Compile validates and compiles rule documents.
func Compile(docs []model.RuleConfig) (*Engine, error) {
	e := &Engine{}
	seen := make(map[string]bool)
	for i, doc := range docs {
		r, err := compileRule(doc)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, doc.Name, err)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %d: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		e.rules = append(e.rules, r)
	}
	return e, nil
}

// Len returns the number of compiled rules.
func (e *Engine) Len() int { return len(e.rules) }

// ApplyRules implements pipeline.RuleApplier. The result is never nil so
// an item with no matching rule records an empty action list.
func (e *Engine) ApplyRules(ctx context.Context, item *model.ItemContent, c *model.Classification) ([]model.RuleAction, error) {
	out := []model.RuleAction{}
	for _, r := range e.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev := &evaluation{item: item, cls: c}
		if !r.matches(ev) {
			continue
		}
		for _, a := range r.actions {
			out = append(out, expand(r.Name, a, ev.refs)...)
		}
	}
	return out, nil
}

func (r *Rule) matches(ev *evaluation) bool {
	for _, cond := range r.conditions {
		if !cond(ev) {
			return false
		}
	}
	return true
}

func expand(rule string, a model.RuleActionConfig, refs []string) []model.RuleAction {
	if !strings.Contains(a.Value, RefPlaceholder) {
		return []model.RuleAction{{Schema: model.RuleActionSchemaV1, Rule: rule, Kind: a.Kind, Value: a.Value}}
	}
	out := make([]model.RuleAction, 0, len(refs))
	for _, ref := range refs {
		out = append(out, model.RuleAction{
			Schema: model.RuleActionSchemaV1,
			Rule:   rule,
			Kind:   a.Kind,
			Value:  strings.ReplaceAll(a.Value, RefPlaceholder, ref),
		})
	}
	return out
}

func compileRule(doc model.RuleConfig) (Rule, error) {
	if doc.Schema != "" && doc.Schema != SchemaV1 {
		return Rule{}, fmt.Errorf("unsupported schema %q", doc.Schema)
	}
	name := strings.TrimSpace(doc.Name)
	if name == "" {
		return Rule{}, fmt.Errorf("name is required")
	}
	if len(doc.Actions) == 0 {
		return Rule{}, fmt.Errorf("at least one action is required")
	}

	r := Rule{Name: name}
	hasRefs := false
	for _, c := range doc.Conditions {
		cond, err := compileCondition(c)
		if err != nil {
			return Rule{}, err
		}
		if c.Kind == CondMentionsRef {
			hasRefs = true
		}
		r.conditions = append(r.conditions, cond)
	}
	for _, a := range doc.Actions {
		if err := validateAction(a); err != nil {
			return Rule{}, err
		}
		if strings.Contains(a.Value, RefPlaceholder) && !hasRefs {
			return Rule{}, fmt.Errorf("action %s uses %s without a %s condition", a.Kind, RefPlaceholder, CondMentionsRef)
		}
		r.actions = append(r.actions, a)
	}
	return r, nil
}

func compileCondition(c model.RuleCondition) (condition, error) {
	value := strings.TrimSpace(c.Value)
	lower := strings.ToLower(value)

	switch c.Kind {
	case CondFromContains:
		return func(e *evaluation) bool {
			return strings.Contains(strings.ToLower(e.item.From), lower)
		}, nil
	case CondFromDomain:
		domain := "@" + strings.TrimPrefix(lower, "@")
		return func(e *evaluation) bool {
			return strings.HasSuffix(strings.ToLower(e.item.From), domain)
		}, nil
	case CondSubjectContains:
		return func(e *evaluation) bool {
			return strings.Contains(strings.ToLower(e.item.Subject), lower)
		}, nil
	case CondBodyContains:
		return func(e *evaluation) bool {
			return strings.Contains(strings.ToLower(e.item.Text), lower) ||
				strings.Contains(strings.ToLower(e.item.Translation), lower)
		}, nil
	case CondBodyMatches:
		re, err := regexp.Compile(value)
		if err != nil {
			return nil, fmt.Errorf("condition %s: %w", c.Kind, err)
		}
		return func(e *evaluation) bool { return re.MatchString(e.item.Text) }, nil
	case CondFolderIs:
		return func(e *evaluation) bool {
			for _, f := range e.item.Folders {
				if strings.EqualFold(f, value) {
					return true
				}
			}
			return false
		}, nil
	case CondHasFlag:
		return func(e *evaluation) bool {
			for _, f := range e.item.Flags {
				if strings.EqualFold(f, value) {
					return true
				}
			}
			return false
		}, nil
	case CondCategoryIs:
		return func(e *evaluation) bool {
			return e.cls != nil && strings.EqualFold(e.cls.Category, value)
		}, nil
	case CondTagIs:
		return func(e *evaluation) bool {
			if e.cls == nil {
				return false
			}
			for _, t := range e.cls.Tags {
				if strings.EqualFold(t, value) {
					return true
				}
			}
			return false
		}, nil
	case CondUrgencyAtLeast, CondImportanceAtLeast:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("condition %s: value %q is not a number", c.Kind, c.Value)
		}
		urgency := c.Kind == CondUrgencyAtLeast
		return func(e *evaluation) bool {
			if e.cls == nil {
				return false
			}
			if urgency {
				return e.cls.Urgency >= n
			}
			return e.cls.Importance >= n
		}, nil
	case CondMentionsRef:
		pattern := DefaultRefPattern
		if value != "" {
			re, err := regexp.Compile(value)
			if err != nil {
				return nil, fmt.Errorf("condition %s: %w", c.Kind, err)
			}
			pattern = re
		}
		return func(e *evaluation) bool {
			e.refs = ExtractRefs(pattern, e.item.Subject+" "+e.item.Text)
			return len(e.refs) > 0
		}, nil
	}
	return nil, fmt.Errorf("unknown condition kind %q", c.Kind)
}

func validateAction(a model.RuleActionConfig) error {
	switch a.Kind {
	case model.RuleActionMove, model.RuleActionFlag, model.RuleActionTag:
		if strings.TrimSpace(a.Value) == "" {
			return fmt.Errorf("action %s requires a value", a.Kind)
		}
	case model.RuleActionPriority:
		n, err := strconv.Atoi(a.Value)
		if err != nil || n < 1 || n > 5 {
			return fmt.Errorf("action %s: priority must be 1-5, got %q", a.Kind, a.Value)
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}
