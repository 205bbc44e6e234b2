// Package model holds the domain types shared by the store, the engine
// and the API layer.
package model

import (
	"strings"
	"time"
)

// TestCase is one Robot Framework test definition. Content is the raw
// .robot source text.
type TestCase struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Scenario is a named, ordered set of test cases executed together as one
// suite, plus scenario level input variables. Immutable once a run starts:
// the engine works on a resolved snapshot, never on the stored row.
type Scenario struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	TestCaseIDs []int64           `json:"testcase_ids,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Step is one executable unit of a resolved scenario: the test case name
// and its robot source.
type Step struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ResolvedScenario is the read-only input the engine consumes: scenario
// metadata with the member test cases expanded into ordered steps.
type ResolvedScenario struct {
	TargetType string
	TargetID   int64
	Name       string
	Inputs     map[string]string
	Steps      []Step
	Timeout    time.Duration // 0 means use the engine default
}

// Suite renders the steps as a single Robot Framework suite file.
func (r ResolvedScenario) Suite() string {
	var sb strings.Builder
	sb.WriteString("*** Settings ***\n\n")
	sb.WriteString("*** Test Cases ***\n")
	for _, step := range r.Steps {
		sb.WriteString("\n# ---- Testcase: ")
		sb.WriteString(step.Name)
		sb.WriteString(" ----\n")
		sb.WriteString(step.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Group is a logical grouping of test cases.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	TestCaseIDs []int64   `json:"testcase_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConfigEntry is one row of the key-value configuration store.
type ConfigEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment is an artifact produced by a run, e.g. robot output.xml.
type Attachment struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
