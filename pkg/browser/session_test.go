package browser_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/browser/browsertest"
	"dev/bravebird/browser-flow-go/pkg/flowerr"
	"dev/bravebird/browser-flow-go/pkg/models"
)

func TestSessionHappyPathTransitions(t *testing.T) {
	s := browser.NewSession(browsertest.NewPage(), zaptest.NewLogger(t))
	var seen []models.SessionState
	s.OnStateChange(func(c models.StateChange) { seen = append(seen, c.To) })

	for _, st := range []models.SessionState{
		models.StateAuthenticating,
		models.StateAuthenticated,
		models.StateNavigating,
		models.StateComplete,
	} {
		require.NoError(t, s.Transition(st))
	}
	require.NoError(t, s.Close())

	assert.Equal(t, []models.SessionState{
		models.StateAuthenticating,
		models.StateAuthenticated,
		models.StateNavigating,
		models.StateComplete,
		models.StateClosed,
	}, seen)
	assert.Equal(t, models.StateClosed, s.State())
	assert.Len(t, s.History(), 5)
}

func TestSessionRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []models.SessionState
		bad  models.SessionState
	}{
		{"skip authenticate", nil, models.StateNavigating},
		{"complete is terminal", []models.SessionState{
			models.StateAuthenticating, models.StateAuthenticated, models.StateNavigating, models.StateComplete,
		}, models.StateFailed},
		{"failed is terminal", []models.SessionState{models.StateFailed}, models.StateAuthenticating},
		{"back to created", []models.SessionState{models.StateAuthenticating}, models.StateCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := browser.NewSession(browsertest.NewPage(), nil)
			for _, st := range tt.path {
				require.NoError(t, s.Transition(st))
			}
			assert.ErrorIs(t, s.Transition(tt.bad), browser.ErrInvalidTransition)
		})
	}
}

func TestSessionFailFromAnyNonTerminalState(t *testing.T) {
	s := browser.NewSession(browsertest.NewPage(), nil)
	require.NoError(t, s.Transition(models.StateAuthenticating))
	s.Fail()
	assert.Equal(t, models.StateFailed, s.State())
	s.Fail()
	assert.Len(t, s.History(), 2)
}

func TestSessionCloseIsIdempotentAndReleasesPage(t *testing.T) {
	page := browsertest.NewPage()
	s := browser.NewSession(page, nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, page.CloseCount())

	err := s.Do(context.Background(), func(browser.Page) error { return nil })
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
}

func TestSessionCloseDoesNotWaitForeverOnStuckInteraction(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	page := browsertest.NewPage()
	s := browser.NewSession(page, zap.New(core))
	browser.SetCloseWait(s, 20*time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		// ignores its context, like a driver call that hung
		_ = s.Do(context.Background(), func(browser.Page) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked on the in-flight interaction")
	}

	assert.Equal(t, 1, page.CloseCount())
	assert.Equal(t, models.StateClosed, s.State())
	assert.Equal(t, 1, logs.FilterMessage("In-flight interaction still running, closing page anyway").Len())

	close(release)
	<-done
	err := s.Do(context.Background(), func(browser.Page) error { return nil })
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
}

func TestSessionDoSerializesInteractions(t *testing.T) {
	s := browser.NewSession(browsertest.NewPage(), nil)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), func(browser.Page) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestSessionDoHonoursContextWhileBusy(t *testing.T) {
	s := browser.NewSession(browsertest.NewPage(), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), func(browser.Page) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Do(ctx, func(browser.Page) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestGetInvalidatesHandles(t *testing.T) {
	page := browsertest.NewPage()
	page.Route("https://example.test/", func(p *browsertest.Page) {
		p.Add(browsertest.Element{Selector: models.CSS("#a")})
	})
	s := browser.NewSession(page, nil)
	require.NoError(t, s.Get(context.Background(), "https://example.test/"))

	refs, err := page.FindAll(context.Background(), models.CSS("#a"))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	h := browser.NewHandle(s, models.CSS("#a"), refs[0])
	assert.True(t, h.ValidFor(s))

	require.NoError(t, s.Get(context.Background(), "https://example.test/"))
	assert.False(t, h.ValidFor(s))
}

func TestOpenReportsDriverUnavailable(t *testing.T) {
	d := browsertest.NewDriver(nil)
	d.FailOpen = browser.ErrUnavailable
	_, err := browser.Open(context.Background(), d, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerr.DriverUnavailable)
}
