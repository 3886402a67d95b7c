package browsertest

import (
	"time"

	"dev/bravebird/browser-flow-go/pkg/models"
)

// Site scripts a login form, a post-login landing page and a target page.
// Submitting the form with the expected values redirects to Landing;
// anything else renders the error banner on the login page.
type Site struct {
	LoginURL   string
	LandingURL string
	TargetURL  string

	Identity string
	Secret   string

	IdentityField models.Selector
	SecretField   models.Selector
	Submit        models.Selector
	ErrorBanner   models.Selector
	LandingMarker models.Selector
	TargetMarker  models.Selector

	// RenderDelay postpones every element after a load.
	RenderDelay time.Duration
}

// Login page element ids
const (
	IdentityID = "identity"
	SecretID   = "secret"
	SubmitID   = "submit"
)

// DefaultSite mirrors the login contract the flow ships configured for.
func DefaultSite() Site {
	return Site{
		LoginURL:      "https://www.linkedin.com/login",
		LandingURL:    "https://www.linkedin.com/feed/",
		TargetURL:     "https://www.linkedin.com/jobs/",
		Identity:      "valid_user",
		Secret:        "valid_pass",
		IdentityField: models.XPath(`//*[@id="username"]`),
		SecretField:   models.XPath(`//*[@id="password"]`),
		Submit:        models.XPath(`//*[@type="submit"]`),
		ErrorBanner:   models.CSS("#error-for-password"),
		LandingMarker: models.CSS("nav.global-nav"),
		TargetMarker:  models.CSS("main.jobs-home"),
	}
}

// Install registers the site's routes on p.
func (s Site) Install(p *Page) {
	p.Route(s.LoginURL, func(p *Page) {
		p.Add(Element{ID: IdentityID, Selector: s.IdentityField, AppearAfter: s.RenderDelay})
		p.Add(Element{ID: SecretID, Selector: s.SecretField, AppearAfter: s.RenderDelay})
		p.Add(Element{ID: SubmitID, Selector: s.Submit, AppearAfter: s.RenderDelay, OnClick: func(p *Page) {
			if p.ValueOf(IdentityID) == s.Identity && p.ValueOf(SecretID) == s.Secret {
				p.Redirect(s.LandingURL)
				return
			}
			p.Add(Element{Selector: s.ErrorBanner})
		}})
	})
	p.Route(s.LandingURL, func(p *Page) {
		p.Add(Element{Selector: s.LandingMarker, AppearAfter: s.RenderDelay})
	})
	p.Route(s.TargetURL, func(p *Page) {
		p.Add(Element{Selector: s.TargetMarker, AppearAfter: s.RenderDelay})
	})
}

// Driver returns a driver whose pages serve this site.
func (s Site) Driver() *Driver {
	return NewDriver(s.Install)
}
