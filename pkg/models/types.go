package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ==================== Selector Types ====================

// SelectorStrategy names how a Selector query is interpreted by the driver
type SelectorStrategy string

const (
	StrategyCSS   SelectorStrategy = "css"
	StrategyXPath SelectorStrategy = "xpath"
)

// Selector describes where on a page an element lives. It is stateless and
// can be reused across sessions.
type Selector struct {
	Strategy SelectorStrategy `json:"strategy" mapstructure:"strategy"`
	Query    string           `json:"query" mapstructure:"query"`
}

// CSS builds a CSS selector
func CSS(query string) Selector {
	return Selector{Strategy: StrategyCSS, Query: query}
}

// XPath builds an XPath selector
func XPath(query string) Selector {
	return Selector{Strategy: StrategyXPath, Query: query}
}

// IsZero reports whether the selector has no query
func (s Selector) IsZero() bool {
	return s.Query == ""
}

// Validate checks the strategy is known and the query is set
func (s Selector) Validate() error {
	if s.Query == "" {
		return fmt.Errorf("selector query is empty")
	}
	switch s.Strategy {
	case StrategyCSS, StrategyXPath:
		return nil
	default:
		return fmt.Errorf("unknown selector strategy %q", s.Strategy)
	}
}

func (s Selector) String() string {
	return fmt.Sprintf("%s %q", s.Strategy, s.Query)
}

// ==================== Credential Types ====================

const redacted = "[redacted]"

// Secret holds sensitive text. Every printing or encoding path redacts it;
// Reveal is the only way to read the value.
type Secret struct {
	value string
}

// NewSecret wraps a sensitive value
func NewSecret(v string) Secret {
	return Secret{value: v}
}

// Reveal returns the raw value. Only the action executor should call it.
func (s Secret) Reveal() string { return s.value }

// IsEmpty reports whether no value is held
func (s Secret) IsEmpty() bool { return s.value == "" }

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// Format keeps %v, %+v, %#v, %s and %q from printing the value
func (s Secret) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(redacted))
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Credential is an immutable identity/secret pair supplied at run time.
type Credential struct {
	Identity Secret `json:"identity"`
	Secret   Secret `json:"secret"`
}

// NewCredential builds a credential from raw values
func NewCredential(identity, secret string) Credential {
	return Credential{Identity: NewSecret(identity), Secret: NewSecret(secret)}
}

// Validate checks both halves are present without exposing either
func (c Credential) Validate() error {
	if c.Identity.IsEmpty() {
		return fmt.Errorf("credential identity is empty")
	}
	if c.Secret.IsEmpty() {
		return fmt.Errorf("credential secret is empty")
	}
	return nil
}

func (c Credential) String() string { return "Credential{" + redacted + "}" }

// ==================== Navigation Types ====================

// ExpectationKind names a predicate used to confirm a page reached a state
type ExpectationKind string

const (
	ExpectURLContains     ExpectationKind = "url_contains"
	ExpectURLChanged      ExpectationKind = "url_changed"
	ExpectSelectorPresent ExpectationKind = "selector_present"
	ExpectDocumentReady   ExpectationKind = "document_ready"
)

// Expectation is a serializable page-state predicate
type Expectation struct {
	Kind     ExpectationKind `json:"kind" mapstructure:"kind"`
	Value    string          `json:"value,omitempty" mapstructure:"value"`
	Selector Selector        `json:"selector,omitempty" mapstructure:"selector"`
}

// URLContains expects the current URL to contain fragment
func URLContains(fragment string) Expectation {
	return Expectation{Kind: ExpectURLContains, Value: fragment}
}

// URLChanged expects the URL to differ from the one before the request
func URLChanged() Expectation {
	return Expectation{Kind: ExpectURLChanged}
}

// SelectorPresent expects at least one element matching sel
func SelectorPresent(sel Selector) Expectation {
	return Expectation{Kind: ExpectSelectorPresent, Selector: sel}
}

// DocumentReady expects document.readyState to be interactive or complete
func DocumentReady() Expectation {
	return Expectation{Kind: ExpectDocumentReady}
}

// IsZero reports whether no predicate was configured
func (e Expectation) IsZero() bool {
	return e.Kind == ""
}

// Normalize drops the fields its kind does not read, so a value left over
// from another kind cannot leak into comparisons or logs.
func (e Expectation) Normalize() Expectation {
	switch e.Kind {
	case ExpectURLContains:
		e.Selector = Selector{}
	case ExpectSelectorPresent:
		e.Value = ""
	case ExpectURLChanged, ExpectDocumentReady:
		e.Value = ""
		e.Selector = Selector{}
	}
	return e
}

// Validate checks the expectation carries what its kind needs
func (e Expectation) Validate() error {
	switch e.Kind {
	case ExpectURLContains:
		if e.Value == "" {
			return fmt.Errorf("url_contains expectation needs a value")
		}
	case ExpectSelectorPresent:
		if err := e.Selector.Validate(); err != nil {
			return fmt.Errorf("selector_present expectation: %w", err)
		}
	case ExpectURLChanged, ExpectDocumentReady:
	default:
		return fmt.Errorf("unknown expectation kind %q", e.Kind)
	}
	return nil
}

func (e Expectation) String() string {
	switch e.Kind {
	case ExpectURLContains:
		return fmt.Sprintf("urlContains(%q)", e.Value)
	case ExpectSelectorPresent:
		return fmt.Sprintf("selectorPresent(%s)", e.Selector)
	case ExpectURLChanged:
		return "urlChanged()"
	case ExpectDocumentReady:
		return "documentReady()"
	}
	return string(e.Kind)
}

// NavigationTarget is a destination plus the predicate that confirms arrival
type NavigationTarget struct {
	URL    string      `json:"url" mapstructure:"url"`
	Expect Expectation `json:"expect" mapstructure:"expect"`
}

// Validate checks the target URL and its expectation
func (t NavigationTarget) Validate() error {
	if t.URL == "" {
		return fmt.Errorf("navigation target url is empty")
	}
	if t.Expect.IsZero() {
		return nil
	}
	return t.Expect.Validate()
}

// ==================== Session Types ====================

// SessionState is the lifecycle state of one browser session
type SessionState string

const (
	StateCreated        SessionState = "created"
	StateAuthenticating SessionState = "authenticating"
	StateAuthenticated  SessionState = "authenticated"
	StateNavigating     SessionState = "navigating"
	StateComplete       SessionState = "complete"
	StateFailed         SessionState = "failed"
	StateClosed         SessionState = "closed"
)

// Terminal reports whether only teardown may follow this state
func (s SessionState) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateClosed
}

// StateChange records one session state transition
type StateChange struct {
	SessionID string       `json:"session_id"`
	From      SessionState `json:"from"`
	To        SessionState `json:"to"`
	At        time.Time    `json:"at"`
}

// ==================== Flow Run Types ====================

// RunStatus represents the status of a flow run
type RunStatus string

const (
	StatusPending  RunStatus = "pending"
	StatusRunning  RunStatus = "running"
	StatusSuccess  RunStatus = "success"
	StatusFailed   RunStatus = "failed"
	StatusCanceled RunStatus = "canceled"
)

// Finished reports whether the run reached a final status
func (s RunStatus) Finished() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// FlowRun is a persisted record of one login-and-navigate run. It never
// carries credential material, only the profile name used to resolve it.
type FlowRun struct {
	ID                 string       `json:"id" db:"id"`
	Profile            string       `json:"profile" db:"profile"`
	TargetURL          string       `json:"target_url" db:"target_url"`
	Expectation        string       `json:"expectation" db:"expectation"`
	TemporalWorkflowID string       `json:"temporal_workflow_id" db:"temporal_workflow_id"`
	TemporalRunID      string       `json:"temporal_run_id" db:"temporal_run_id"`
	SessionID          string       `json:"session_id,omitempty" db:"session_id"`
	Status             RunStatus    `json:"status" db:"status"`
	SessionState       SessionState `json:"session_state,omitempty" db:"session_state"`
	FailedStep         string       `json:"failed_step,omitempty" db:"failed_step"`
	ErrorKind          string       `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage       string       `json:"error_message,omitempty" db:"error_message"`
	CreatedAt          time.Time    `json:"created_at" db:"created_at"`
	StartedAt          *time.Time   `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time   `json:"completed_at" db:"completed_at"`

	// Computed fields
	Events []StateChange `json:"events,omitempty"`
}

// ==================== Workflow Types ====================

// FlowInput is the Temporal workflow input. Credentials are resolved inside
// the activity from Profile so they never enter workflow history.
type FlowInput struct {
	RunID    string           `json:"run_id"`
	Profile  string           `json:"profile"`
	Target   NavigationTarget `json:"target"`
	Headless bool             `json:"headless"`
	Timeout  int              `json:"timeout_seconds"`
}

// FlowResult is the outcome of one flow run as reported by the workflow
type FlowResult struct {
	RunID         string        `json:"run_id"`
	SessionID     string        `json:"session_id"`
	Status        RunStatus     `json:"status"`
	FinalState    SessionState  `json:"final_state"`
	FailedStep    string        `json:"failed_step,omitempty"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Transitions   []StateChange `json:"transitions,omitempty"`
	TotalDuration int64         `json:"total_duration_ms"`
}

// ==================== API Request/Response Types ====================

// StartRunRequest is the body of POST /api/runs
type StartRunRequest struct {
	Profile  string           `json:"profile"`
	Target   NavigationTarget `json:"target"`
	Headless *bool            `json:"headless,omitempty"`
}

// ==================== WebSocket Message Types ====================

// WSMessage represents a WebSocket message for real-time updates
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
