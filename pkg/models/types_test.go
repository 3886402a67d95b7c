package models

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretNeverPrints(t *testing.T) {
	cred := NewCredential("jane@example.com", "hunter2")

	for _, format := range []string{"%v", "%+v", "%#v", "%s", "%q"} {
		out := fmt.Sprintf(format, cred)
		assert.NotContains(t, out, "hunter2", format)
		assert.NotContains(t, out, "jane@example.com", format)
	}

	b, err := json.Marshal(cred)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")
	assert.JSONEq(t, `{"identity":"[redacted]","secret":"[redacted]"}`, string(b))

	assert.Equal(t, "hunter2", cred.Secret.Reveal())
}

func TestCredentialValidate(t *testing.T) {
	assert.NoError(t, NewCredential("a", "b").Validate())
	assert.Error(t, NewCredential("", "b").Validate())
	assert.Error(t, NewCredential("a", "").Validate())
}

func TestSelectorValidate(t *testing.T) {
	assert.NoError(t, CSS("#username").Validate())
	assert.NoError(t, XPath(`//*[@id="password"]`).Validate())
	assert.Error(t, CSS("").Validate())
	assert.Error(t, Selector{Strategy: "id", Query: "username"}.Validate())
}

func TestExpectationValidate(t *testing.T) {
	tests := []struct {
		name    string
		exp     Expectation
		wantErr bool
	}{
		{"url contains", URLContains("/jobs"), false},
		{"url contains empty", Expectation{Kind: ExpectURLContains}, true},
		{"url changed", URLChanged(), false},
		{"selector present", SelectorPresent(CSS(".jobs-home")), false},
		{"selector present without selector", Expectation{Kind: ExpectSelectorPresent}, true},
		{"document ready", DocumentReady(), false},
		{"unknown", Expectation{Kind: "teleported"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.exp.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExpectationNormalize(t *testing.T) {
	leftover := Expectation{Kind: ExpectSelectorPresent, Value: "/feed", Selector: CSS("#dashboard")}
	assert.Equal(t, SelectorPresent(CSS("#dashboard")), leftover.Normalize())

	leftover = Expectation{Kind: ExpectURLContains, Value: "/reports", Selector: CSS("#dashboard")}
	assert.Equal(t, URLContains("/reports"), leftover.Normalize())

	leftover = Expectation{Kind: ExpectURLChanged, Value: "/feed", Selector: CSS("#dashboard")}
	assert.Equal(t, URLChanged(), leftover.Normalize())
	assert.Equal(t, DocumentReady(), Expectation{Kind: ExpectDocumentReady, Value: "x"}.Normalize())
}

func TestNavigationTargetValidate(t *testing.T) {
	assert.NoError(t, NavigationTarget{URL: "https://www.linkedin.com/jobs/"}.Validate())
	assert.Error(t, NavigationTarget{}.Validate())
	assert.Error(t, NavigationTarget{URL: "https://x.test", Expect: Expectation{Kind: ExpectURLContains}}.Validate())
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateComplete.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateAuthenticated.Terminal())

	assert.True(t, StatusCanceled.Finished())
	assert.False(t, StatusRunning.Finished())
}
