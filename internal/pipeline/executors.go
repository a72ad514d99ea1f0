package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nhle/mailsync/internal/model"
)

// Embedder computes a vector embedding of an item's text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Translator translates text into targetLang. It returns
// model.ErrUnavailable when it cannot serve the input at all, for example
// an unsupported language pair.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (translation, sourceLang string, err error)
}

// Classifier assigns urgency, importance, category and tags.
type Classifier interface {
	Classify(ctx context.Context, item *model.ItemContent) (*model.Classification, error)
}

// RuleApplier evaluates configured rules against an item and its
// classification.
type RuleApplier interface {
	ApplyRules(ctx context.Context, item *model.ItemContent, c *model.Classification) ([]model.RuleAction, error)
}

// Executors bundles the step executors. A nil executor disables its step:
// workers never claim it.
type Executors struct {
	Embedder    Embedder
	Translator  Translator
	Classifier  Classifier
	RuleApplier RuleApplier

	// TargetLang is passed to the translator.
	TargetLang string
}

// Steps returns the steps that have an executor, in canonical order.
func (e Executors) Steps() []model.Step {
	var out []model.Step
	for _, s := range model.Steps {
		if e.has(s) {
			out = append(out, s)
		}
	}
	return out
}

func (e Executors) has(s model.Step) bool {
	switch s {
	case model.StepEmbedding:
		return e.Embedder != nil
	case model.StepTranslation:
		return e.Translator != nil
	case model.StepClassification:
		return e.Classifier != nil
	case model.StepRules:
		return e.RuleApplier != nil
	}
	return false
}

// Run executes step on item. Inputs the step cannot handle produce a
// model.PermanentStepError carrying the warning code to record.
func (e Executors) Run(ctx context.Context, step model.Step, item *model.ItemContent) (*model.StepOutput, error) {
	if !e.has(step) {
		return nil, model.Permanent(step, model.WarnUnsupportedInput,
			fmt.Errorf("no executor configured"))
	}

	text := strings.TrimSpace(item.Text)

	switch step {
	case model.StepEmbedding:
		if text == "" {
			return nil, model.Permanent(step, model.WarnEmptyBody, errors.New("nothing to embed"))
		}
		vec, err := e.Embedder.Embed(ctx, text)
		if err != nil {
			return nil, classifyErr(step, err)
		}
		return &model.StepOutput{Embedding: vec}, nil

	case model.StepTranslation:
		if text == "" {
			return nil, model.Permanent(step, model.WarnEmptyBody, errors.New("nothing to translate"))
		}
		tr, lang, err := e.Translator.Translate(ctx, text, e.TargetLang)
		if errors.Is(err, model.ErrUnavailable) {
			return nil, model.Permanent(step, model.WarnTranslationUnavailable, err)
		}
		if err != nil {
			return nil, classifyErr(step, err)
		}
		return &model.StepOutput{Translation: tr, Language: lang}, nil

	case model.StepClassification:
		c, err := e.Classifier.Classify(ctx, item)
		if err != nil {
			return nil, classifyErr(step, err)
		}
		if c == nil {
			return nil, model.Permanent(step, model.WarnUnsupportedInput, errors.New("no classification produced"))
		}
		if c.Schema == "" {
			c.Schema = model.ClassificationSchemaV1
		}
		return &model.StepOutput{Classification: c}, nil

	case model.StepRules:
		actions, err := e.RuleApplier.ApplyRules(ctx, item, item.Classification)
		if err != nil {
			return nil, classifyErr(step, err)
		}
		return &model.StepOutput{RuleActions: actions}, nil
	}
	return nil, fmt.Errorf("unknown step %q", step)
}

// classifyErr keeps permanent errors as they are and marks everything
// else transient.
func classifyErr(step model.Step, err error) error {
	if model.IsPermanent(err) {
		return err
	}
	if errors.Is(err, model.ErrUnavailable) {
		return model.Permanent(step, model.WarnUnsupportedInput, err)
	}
	var te *model.TransientExecutionError
	if errors.As(err, &te) {
		return err
	}
	return &model.TransientExecutionError{Step: step, Err: err}
}
