package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// Tab is the page volkeeper controls.
type Tab struct {
	Page    *rod.Page
	PageURL string

	router *rod.HijackRouter
	doc    *Document
}

// OpenTab creates a stealth tab, installs the page bridge so it is present
// from the first script on, then navigates to pageURL.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	t := &Tab{Page: page, PageURL: pageURL}

	if len(mgr.cfg.ResourceBlocking) > 0 {
		t.router = applyResourceBlocking(page, mgr.cfg.ResourceBlocking)
	}

	doc, err := newDocument(ctx, page, mgr.cfg.Logger)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.doc = doc

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	if err := doc.inject(ctx); err != nil {
		mgr.cfg.Logger.Warn("browser: bridge injection after load", "url", pageURL, "error", err)
	}
	mgr.cfg.Logger.Info("browser: tab ready", "url", pageURL)
	return t, nil
}

// Document returns the page as a dom.Document.
func (t *Tab) Document() *Document { return t.doc }

// Close closes the tab.
func (t *Tab) Close() error {
	if t.doc != nil {
		t.doc.close()
	}
	if t.router != nil {
		t.router.Stop()
	}
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
