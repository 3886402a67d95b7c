package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/browser/browsertest"
	"dev/bravebird/browser-flow-go/pkg/controller"
	"dev/bravebird/browser-flow-go/pkg/executor"
	"dev/bravebird/browser-flow-go/pkg/flowerr"
	"dev/bravebird/browser-flow-go/pkg/locator"
	"dev/bravebird/browser-flow-go/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu      sync.Mutex
	changes []models.StateChange
}

func (r *recorder) OnTransition(c models.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) states() []models.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SessionState
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func newRunner(t *testing.T, site browsertest.Site, driver browser.Driver, opts ...Option) *Runner {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctrl := controller.New(controller.LoginPage{
		URL:              site.LoginURL,
		IdentityField:    site.IdentityField,
		SecretField:      site.SecretField,
		Submit:           site.Submit,
		Success:          models.URLContains("/feed"),
		FailureIndicator: site.ErrorBanner,
	}, controller.Timeouts{
		PollInterval: 5 * time.Millisecond,
		Locate:       150 * time.Millisecond,
		Auth:         150 * time.Millisecond,
		Settle:       150 * time.Millisecond,
		Navigate:     150 * time.Millisecond,
	}, locator.New(locator.Options{}, logger), executor.New(logger), logger)
	return NewRunner(driver, ctrl, logger, opts...)
}

func target(site browsertest.Site) models.NavigationTarget {
	return models.NavigationTarget{URL: site.TargetURL, Expect: models.SelectorPresent(site.TargetMarker)}
}

func TestRunValidCredentials(t *testing.T) {
	site := browsertest.DefaultSite()
	site.RenderDelay = 10 * time.Millisecond
	d := site.Driver()
	rec := &recorder{}
	r := newRunner(t, site, d, WithObserver(rec))

	out, err := r.Run(context.Background(), models.NewCredential(site.Identity, site.Secret), target(site))
	require.NoError(t, err)

	assert.True(t, out.Succeeded())
	assert.Equal(t, models.StateComplete, out.FinalState)
	assert.NotEmpty(t, out.SessionID)
	assert.Empty(t, out.FailedStep)
	assert.Positive(t, out.Elapsed)
	assert.Equal(t, []models.SessionState{
		models.StateAuthenticating,
		models.StateAuthenticated,
		models.StateNavigating,
		models.StateComplete,
		models.StateClosed,
	}, rec.states())
	assert.Len(t, out.Transitions, 5)

	page := d.LastPage()
	assert.Equal(t, []string{site.LoginURL, site.TargetURL}, page.Navigations())
	assert.Equal(t, 1, page.CloseCount())
}

func TestRunWrongPassword(t *testing.T) {
	site := browsertest.DefaultSite()
	d := site.Driver()
	r := newRunner(t, site, d)

	out, err := r.Run(context.Background(), models.NewCredential(site.Identity, "wrong_pass"), target(site))

	require.ErrorIs(t, err, flowerr.AuthenticationFailed)
	assert.Equal(t, flowerr.StepAuthenticate, out.FailedStep)
	assert.Equal(t, flowerr.AuthenticationFailed, out.ErrorKind)
	assert.Equal(t, models.StateFailed, out.FinalState)
	assert.False(t, d.LastPage().HasPrefix(site.TargetURL), "target must not be requested after a failed login")
	assert.Equal(t, 1, d.LastPage().CloseCount())
}

func TestRunAfterLoginRedesign(t *testing.T) {
	site := browsertest.DefaultSite()
	redesigned := site
	redesigned.IdentityField = models.CSS("input[name=session_key]")
	d := redesigned.Driver()
	r := newRunner(t, site, d)

	out, err := r.Run(context.Background(), models.NewCredential(site.Identity, site.Secret), target(site))

	require.ErrorIs(t, err, flowerr.NotFound)
	assert.Equal(t, flowerr.StepAuthenticate, out.FailedStep)
	assert.Equal(t, 1, d.LastPage().CloseCount())
}

func TestRunCanceledBetweenSteps(t *testing.T) {
	site := browsertest.DefaultSite()
	d := site.Driver()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newRunner(t, site, d, WithObserver(ObserverFunc(func(c models.StateChange) {
		if c.To == models.StateAuthenticated {
			cancel()
		}
	})))

	out, err := r.Run(ctx, models.NewCredential(site.Identity, site.Secret), target(site))

	require.ErrorIs(t, err, flowerr.Canceled)
	assert.Equal(t, flowerr.StepSettle, out.FailedStep)
	assert.Equal(t, models.StateFailed, out.FinalState)
	page := d.LastPage()
	assert.False(t, page.HasPrefix(site.TargetURL))
	assert.Equal(t, 1, page.CloseCount())
	assert.Equal(t, models.StateClosed, out.Transitions[len(out.Transitions)-1].To)
}

func TestRunDriverUnavailable(t *testing.T) {
	site := browsertest.DefaultSite()
	d := site.Driver()
	d.FailOpen = browser.ErrUnavailable
	r := newRunner(t, site, d)

	out, err := r.Run(context.Background(), models.NewCredential(site.Identity, site.Secret), target(site))

	require.ErrorIs(t, err, flowerr.DriverUnavailable)
	assert.Equal(t, flowerr.StepOpen, out.FailedStep)
	assert.Empty(t, out.SessionID)
	assert.Empty(t, d.Pages())
}

func TestRunRejectsEmptyCredential(t *testing.T) {
	site := browsertest.DefaultSite()
	d := site.Driver()
	r := newRunner(t, site, d)

	_, err := r.Run(context.Background(), models.NewCredential("", ""), target(site))
	require.ErrorIs(t, err, flowerr.AuthenticationFailed)
	assert.Empty(t, d.Pages(), "no browser is opened for an unusable credential")
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	site := browsertest.DefaultSite()
	d := site.Driver()
	r := newRunner(t, site, d)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			secret := site.Secret
			if i%2 == 1 {
				secret = "wrong"
			}
			_, errs[i] = r.Run(context.Background(), models.NewCredential(site.Identity, secret), target(site))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if i%2 == 1 {
			assert.ErrorIs(t, err, flowerr.AuthenticationFailed)
		} else {
			assert.NoError(t, err)
		}
	}
	for _, p := range d.Pages() {
		assert.Equal(t, 1, p.CloseCount())
		assert.Equal(t, 1, p.PeakConcurrency())
	}
}
