package rodbrowser

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/flowerr"
	"dev/bravebird/browser-flow-go/pkg/models"
)

func TestOpenMissingBinaryIsUnavailable(t *testing.T) {
	d := New(Options{Bin: "/nonexistent/chrome", Headless: true}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := d.Open(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, browser.ErrUnavailable))
	assert.Equal(t, flowerr.DriverUnavailable, flowerr.Classify(err))
}

func TestOpenUnreachableControlURLIsUnavailable(t *testing.T) {
	d := New(Options{ControlURL: "ws://127.0.0.1:1/devtools/browser/none"}, zaptest.NewLogger(t))

	_, err := d.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, browser.ErrUnavailable))
}

// Runs against a real Chrome when FLOW_CHROME_BIN is set.
func TestPageAgainstChrome(t *testing.T) {
	bin := os.Getenv("FLOW_CHROME_BIN")
	if bin == "" {
		t.Skip("FLOW_CHROME_BIN not set")
	}

	d := New(Options{Bin: bin, Headless: true, NoSandbox: true}, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := d.Open(ctx)
	require.NoError(t, err)
	defer page.Close()

	require.NoError(t, page.Get(ctx, `data:text/html,<input id="u"><button id="b" disabled>go</button>`))

	refs, err := page.FindAll(ctx, models.CSS("#u"))
	require.NoError(t, err)
	require.Len(t, refs, 1)

	require.NoError(t, page.SendKeys(ctx, refs[0], "jane@example.com"))
	v, err := page.Value(ctx, refs[0])
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", v)

	require.NoError(t, page.Clear(ctx, refs[0]))
	v, err = page.Value(ctx, refs[0])
	require.NoError(t, err)
	assert.Empty(t, v)

	buttons, err := page.FindAll(ctx, models.XPath("//button"))
	require.NoError(t, err)
	require.Len(t, buttons, 1)
	enabled, err := page.IsEnabled(ctx, buttons[0])
	require.NoError(t, err)
	assert.False(t, enabled)

	state, err := page.ReadyState(ctx)
	require.NoError(t, err)
	assert.Contains(t, []string{browser.ReadyInteractive, browser.ReadyComplete}, state)

	require.NoError(t, page.Get(ctx, "about:blank"))
	attached, err := page.IsAttached(ctx, refs[0])
	require.NoError(t, err)
	assert.False(t, attached)
}
