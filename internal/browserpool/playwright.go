package browserpool

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// AuthenticateFunc logs a fresh page into the ERP for the given agent. The
// concrete UI steps are supplied by the automation layer; the pool only cares
// that a session comes back ready to use.
type AuthenticateFunc func(ctx context.Context, page playwright.Page, agentID string) error

// PlaywrightFactory creates isolated Chromium browser contexts, one per
// agent. A single Chromium process is shared; isolation comes from
// playwright's browser contexts, which keeps the per-agent memory footprint
// to a context rather than a full browser.
type PlaywrightFactory struct {
	mu           sync.Mutex
	pw           *playwright.Playwright
	browser      playwright.Browser
	headless     bool
	authenticate AuthenticateFunc
}

// NewPlaywrightFactory creates the factory. Start must be called before the
// first NewSession.
func NewPlaywrightFactory(headless bool, authenticate AuthenticateFunc) *PlaywrightFactory {
	return &PlaywrightFactory{
		headless:     headless,
		authenticate: authenticate,
	}
}

// Start installs the playwright driver if needed and launches the shared
// Chromium instance.
func (f *PlaywrightFactory) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pw != nil {
		return nil
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &f.headless,
	})
	if err != nil {
		pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	f.pw = pw
	f.browser = browser
	return nil
}

// NewSession creates an isolated browser context plus page for the agent and
// runs the configured authentication hook.
func (f *PlaywrightFactory) NewSession(ctx context.Context, agentID string) (Session, error) {
	f.mu.Lock()
	browser := f.browser
	f.mu.Unlock()

	if browser == nil {
		return nil, fmt.Errorf("playwright factory not started")
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1366, Height: 900},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if f.authenticate != nil {
		if err := f.authenticate(ctx, page, agentID); err != nil {
			page.Close()
			bctx.Close()
			return nil, fmt.Errorf("failed to authenticate agent %s: %w", agentID, err)
		}
	}

	return &PlaywrightSession{AgentID: agentID, Context: bctx, page: page}, nil
}

// Stop closes the shared browser and playwright driver.
func (f *PlaywrightFactory) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		if err := f.browser.Close(); err != nil {
			return fmt.Errorf("failed to close browser: %w", err)
		}
		f.browser = nil
	}
	if f.pw != nil {
		if err := f.pw.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		f.pw = nil
	}
	return nil
}

// PlaywrightSession is one agent's authenticated browser context.
type PlaywrightSession struct {
	AgentID string
	Context playwright.BrowserContext
	page    playwright.Page
}

// Page returns the session's page for the automation executor.
func (s *PlaywrightSession) Page() playwright.Page {
	return s.page
}

// Close tears down the page and context. The shared browser stays up.
func (s *PlaywrightSession) Close() error {
	_ = s.page.Close()
	if err := s.Context.Close(); err != nil {
		return fmt.Errorf("failed to close browser context: %w", err)
	}
	return nil
}
