package flowerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev/bravebird/browser-flow-go/pkg/models"
)

func TestErrorIsKind(t *testing.T) {
	err := New(NotFound, "no match after %s", "10s").ForSelector(models.XPath(`//*[@id="username"]`))

	assert.True(t, errors.Is(err, NotFound))
	assert.False(t, errors.Is(err, Ambiguous))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, errors.Is(wrapped, NotFound))

	var fe *Error
	require.True(t, errors.As(wrapped, &fe))
	assert.Equal(t, models.XPath(`//*[@id="username"]`), *fe.Selector)
}

func TestErrorMessage(t *testing.T) {
	err := New(NotFound, "no match").ForSelector(models.CSS("#username"))
	annotated := Annotate(err, StepAuthenticate, "enter identity")

	assert.Equal(t, `authenticate: enter identity: not_found css "#username": no match`, annotated.Error())
}

func TestAnnotateKeepsInnermostStep(t *testing.T) {
	err := Annotate(New(StaleElement, "gone"), StepAuthenticate, "submit")
	err = Annotate(err, StepNavigate, "outer")

	assert.Equal(t, StepAuthenticate, StepOf(err))
	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "submit", fe.Action)
}

func TestAnnotateNil(t *testing.T) {
	assert.NoError(t, Annotate(nil, StepOpen, "open"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed", New(Ambiguous, "two"), Ambiguous},
		{"canceled", context.Canceled, Canceled},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), NavigationTimeout},
		{"driver gone", fmt.Errorf("%w: websocket closed", ErrUnavailable), DriverUnavailable},
		{"anything else", errors.New("element is covered"), ActionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	assert.ErrorIs(t, FromContext(ctx.Err()), NavigationTimeout)
	assert.ErrorIs(t, FromContext(ctx.Err()), context.DeadlineExceeded)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, FromContext(ctx.Err()), Canceled)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, AuthenticationFailed, KindOf(Annotate(New(AuthenticationFailed, "rejected"), StepAuthenticate, "verify login")))
	assert.Equal(t, Step(""), StepOf(errors.New("plain")))
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, DriverUnavailable.Fatal())
	assert.False(t, NavigationTimeout.Fatal())

	assert.True(t, NotFound.SelectorContract())
	assert.True(t, Ambiguous.SelectorContract())
	assert.False(t, AuthenticationFailed.SelectorContract())
}
