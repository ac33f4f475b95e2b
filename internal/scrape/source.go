// Package scrape reads the battle map through a Chromium tab reached over
// CDP and reports each visible cell's coordinates and marker state.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/rclaim/internal/watch"
)

// MapSource implements watch.Source. Every snapshot opens a fresh tab,
// navigates to the map page, evaluates the cell-extraction script, and
// closes the tab again.
type MapSource struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	mapURL      string
	timeout     time.Duration
}

// NewMapSource prepares a source against the browser's CDP endpoint, e.g.
// "http://127.0.0.1:9220". The browser is not contacted until the first
// snapshot.
func NewMapSource(cdpURL, mapURL string, timeout time.Duration) *MapSource {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cdpURL)
	return &MapSource{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		mapURL:      mapURL,
		timeout:     timeout,
	}
}

// Close releases the browser allocator.
func (s *MapSource) Close() {
	s.allocCancel()
}

// Snapshot returns the current state of every visible map cell. Any CDP,
// navigation, or page-side failure is returned for the caller to log and
// skip; none of them are fatal to the poll loop.
func (s *MapSource) Snapshot(ctx context.Context) ([]watch.CellReport, error) {
	tabCtx, cancelTab := chromedp.NewContext(s.allocCtx)
	defer cancelTab()

	// The caller's cancellation has to reach the chromedp context chain.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, s.timeout)
	defer cancelTimeout()

	var env evalEnvelope
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(s.mapURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(jsMapCells, &env, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("scrape: evaluate map page %s: %w", s.mapURL, err)
	}
	if !env.OK {
		return nil, fmt.Errorf("scrape: map page script failed: %s", env.ErrorMessage)
	}

	var cells []rawCell
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &cells); err != nil {
			return nil, fmt.Errorf("scrape: decode map cells: %w", err)
		}
	}

	reports := decodeCells(cells)
	slog.Debug("map snapshot complete", "cells", len(cells), "usable", len(reports))
	return reports, nil
}

var _ watch.Source = (*MapSource)(nil)
