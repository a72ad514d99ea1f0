package model

import "time"

// Classification is the structured result of the classification step.
type Classification struct {
	Schema     string   `json:"schema"`
	Urgency    int      `json:"urgency"`
	Importance int      `json:"importance"`
	Category   string   `json:"category"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
}

// ClassificationSchemaV1 tags the first classification layout.
const ClassificationSchemaV1 = "classification/v1"

// RuleActionSchemaV1 tags the first rule action layout.
const RuleActionSchemaV1 = "rule-action/v1"

// RuleAction kinds.
const (
	RuleActionMove     = "move_to_folder"
	RuleActionFlag     = "add_flag"
	RuleActionTag      = "add_tag"
	RuleActionPriority = "set_priority"
)

// RuleAction is one action produced by the rules step.
type RuleAction struct {
	Schema string `json:"schema"`
	Rule   string `json:"rule"`
	Kind   string `json:"kind"`
	Value  string `json:"value"`
}

// StepOutput is the payload a worker persists together with a step's
// completion. Only the field matching the step is set.
type StepOutput struct {
	Embedding      []float32
	Translation    string
	Language       string
	Classification *Classification
	RuleActions    []RuleAction
}

// ItemContent is the decrypted material handed to step executors.
type ItemContent struct {
	RawItemID int64
	Account   string
	StableID  string
	From      string
	Subject   string
	Date      time.Time
	Text      string

	// Folders and Flags describe where the item currently lives.
	Folders []string
	Flags   []string

	// Translation is the stored translation, when that step completed.
	Translation string

	// Classification is set once the classification step completed.
	Classification *Classification
}
