// Package controller drives search submission, result disambiguation and
// path reveal, and keeps the transient status overlay in step.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sensortree/sensortree/pkg/protocol"
)

// Default overlay timings.
const (
	DefaultDismissDelay        = 1000 * time.Millisecond
	DefaultHighlightClearDelay = 300 * time.Millisecond
)

// Status messages shown in the overlay.
const (
	StatusSearchError    = "An error occurred during the search."
	StatusRefreshing     = "Refreshing tree..."
	StatusRefreshed      = "Tree refreshed successfully!"
	StatusRefreshError   = "An error occurred during refresh."
	StatusSingleRevealed = "Found 1 result. Revealing..."
)

// ErrNotRendered is returned by a Renderer asked to scroll to a row it has
// not materialized.
var ErrNotRendered = errors.New("item not rendered")

// State is the controller's overlay state.
type State int

const (
	Idle State = iota
	Searching
	NoResults
	Revealing
	Choosing
	Refreshing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Searching:
		return "searching"
	case NoResults:
		return "no-results"
	case Revealing:
		return "revealing"
	case Choosing:
		return "choosing"
	case Refreshing:
		return "refreshing"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Searcher runs a search query. *client.Client implements it.
type Searcher interface {
	Search(ctx context.Context, query string) ([]protocol.SearchResult, error)
}

// Tree is the client state the controller reveals into. *treestore.Store
// implements it.
type Tree interface {
	RevealPath(ctx context.Context, id string) error
	RefreshExpandedNodes(ctx context.Context) ([]string, error)
	TakeScrollTarget() string
	ClearHighlight()
}

// Renderer scrolls the list widget.
type Renderer interface {
	// ScrollToID returns ErrNotRendered if id is not currently materialized.
	ScrollToID(id string) error
}

// Timer is a pending callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// View is a copy of the controller's observable state.
type View struct {
	State             State
	Status            string
	Overlay           bool
	Query             string
	Results           []protocol.SearchResult
	NoResultsFound    bool
	SingleResultFound bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// WithRenderer sets the widget to scroll after a reveal.
func WithRenderer(r Renderer) Option { return func(ctl *Controller) { ctl.renderer = r } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(ctl *Controller) { ctl.logger = l } }

// WithOnChange registers fn to receive the view after every transition.
func WithOnChange(fn func(View)) Option { return func(ctl *Controller) { ctl.onChange = fn } }

// WithDelays overrides the overlay dismiss and highlight clear delays.
func WithDelays(dismiss, highlight time.Duration) Option {
	return func(ctl *Controller) {
		ctl.dismissDelay = dismiss
		ctl.highlightDelay = highlight
	}
}

// Controller is safe for concurrent use. Overlapping searches are not
// ordered: whichever response arrives last sets the state.
type Controller struct {
	searcher       Searcher
	tree           Tree
	renderer       Renderer
	clock          Clock
	logger         *zap.Logger
	onChange       func(View)
	dismissDelay   time.Duration
	highlightDelay time.Duration

	mu             sync.Mutex
	view           View
	dismissTimer   Timer
	dismissGen     uint64
	highlightTimer Timer
	highlightGen   uint64
	closed         bool
}

// New creates an idle controller.
func New(searcher Searcher, tree Tree, opts ...Option) *Controller {
	c := &Controller{
		searcher:       searcher,
		tree:           tree,
		clock:          realClock{},
		logger:         zap.NewNop(),
		dismissDelay:   DefaultDismissDelay,
		highlightDelay: DefaultHighlightClearDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// View returns the current state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() View {
	v := c.view
	v.Results = append([]protocol.SearchResult(nil), c.view.Results...)
	return v
}

// Submit runs a search. A blank query is ignored. With one result the path
// is revealed immediately; with several the controller waits in Choosing
// for Select. Errors end up in the status text, never in the return value.
func (c *Controller) Submit(ctx context.Context, query string) State {
	if strings.TrimSpace(query) == "" {
		return c.View().State
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Idle
	}
	c.cancelDismissLocked()
	c.view.Query = query
	c.view.State = Searching
	c.view.Status = fmt.Sprintf("Searching for \"%s\"...", query)
	c.view.Overlay = true
	c.view.NoResultsFound = false
	c.view.SingleResultFound = false
	c.view.Results = nil
	c.mu.Unlock()
	c.notify()

	results, err := c.searcher.Search(ctx, query)

	c.mu.Lock()
	switch {
	case err != nil:
		c.logger.Warn("search failed", zap.String("query", query), zap.Error(err))
		c.view.State = Failed
		c.view.Status = StatusSearchError
		c.scheduleDismissLocked()
	case len(results) == 0:
		c.view.State = NoResults
		c.view.Status = fmt.Sprintf("No results found for \"%s\".", query)
		c.view.NoResultsFound = true
		c.scheduleDismissLocked()
	case len(results) == 1:
		c.view.Status = StatusSingleRevealed
		c.mu.Unlock()
		c.notify()
		c.Select(ctx, results[0])
		return c.View().State
	default:
		c.view.State = Choosing
		c.view.Results = results
		c.hideLocked()
	}
	state := c.view.State
	c.mu.Unlock()
	c.notify()
	return state
}

// Select reveals the path to a chosen result.
func (c *Controller) Select(ctx context.Context, result protocol.SearchResult) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelDismissLocked()
	c.cancelHighlightClearLocked()
	c.view.State = Revealing
	c.view.Results = nil
	c.view.SingleResultFound = true
	c.view.Status = fmt.Sprintf("Revealing path for \"%s\"...", result.Item.Name)
	c.view.Overlay = true
	c.mu.Unlock()
	c.notify()

	id := result.Item.ID
	if err := c.tree.RevealPath(ctx, id); err != nil {
		c.logger.Warn("reveal failed", zap.String("id", id), zap.Error(err))
		c.mu.Lock()
		c.view.State = Failed
		c.view.Status = StatusSearchError
		c.scheduleDismissLocked()
		c.mu.Unlock()
		c.notify()
		return
	}

	c.scroll()

	c.mu.Lock()
	c.scheduleDismissLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) scroll() {
	target := c.tree.TakeScrollTarget()
	if target == "" || c.renderer == nil {
		return
	}
	if err := c.renderer.ScrollToID(target); err != nil {
		if errors.Is(err, ErrNotRendered) {
			c.logger.Debug("scroll target not rendered", zap.String("id", target))
			return
		}
		c.logger.Warn("scroll failed", zap.String("id", target), zap.Error(err))
	}
}

// CancelChoice leaves Choosing without revealing anything.
func (c *Controller) CancelChoice() {
	c.mu.Lock()
	if c.view.State != Choosing {
		c.mu.Unlock()
		return
	}
	c.view.State = Idle
	c.view.Results = nil
	c.mu.Unlock()
	c.notify()
}

// Refresh re-fetches the root level and every open folder, reporting
// progress in the overlay.
func (c *Controller) Refresh(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelDismissLocked()
	c.view.State = Refreshing
	c.view.Status = StatusRefreshing
	c.view.Overlay = true
	c.mu.Unlock()
	c.notify()

	failed, err := c.tree.RefreshExpandedNodes(ctx)

	c.mu.Lock()
	if err != nil {
		c.logger.Warn("refresh failed", zap.Error(err))
		c.view.Status = StatusRefreshError
	} else {
		if len(failed) > 0 {
			c.logger.Info("some folders failed to refresh", zap.Strings("ids", failed))
		}
		c.view.Status = StatusRefreshed
	}
	c.scheduleDismissLocked()
	c.mu.Unlock()
	c.notify()
}

// Close stops pending timers. Later calls are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cancelDismissLocked()
	c.cancelHighlightClearLocked()
}

// scheduleDismissLocked replaces any pending dismiss with a fresh one.
func (c *Controller) scheduleDismissLocked() {
	c.cancelDismissLocked()
	gen := c.dismissGen
	c.dismissTimer = c.clock.AfterFunc(c.dismissDelay, func() { c.dismiss(gen) })
}

func (c *Controller) cancelDismissLocked() {
	c.dismissGen++
	if c.dismissTimer != nil {
		c.dismissTimer.Stop()
		c.dismissTimer = nil
	}
}

func (c *Controller) dismiss(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.dismissGen {
		c.mu.Unlock()
		return
	}
	c.dismissTimer = nil
	c.view.State = Idle
	c.hideLocked()
	c.mu.Unlock()
	c.notify()
}

// hideLocked closes the overlay, resets its flags and clears the highlight
// after a short delay.
func (c *Controller) hideLocked() {
	c.cancelDismissLocked()
	c.view.Overlay = false
	c.view.NoResultsFound = false
	c.view.SingleResultFound = false

	c.cancelHighlightClearLocked()
	gen := c.highlightGen
	c.highlightTimer = c.clock.AfterFunc(c.highlightDelay, func() {
		c.mu.Lock()
		stale := c.closed || gen != c.highlightGen
		if !stale {
			c.highlightTimer = nil
		}
		c.mu.Unlock()
		if !stale {
			c.tree.ClearHighlight()
		}
	})
}

func (c *Controller) cancelHighlightClearLocked() {
	c.highlightGen++
	if c.highlightTimer != nil {
		c.highlightTimer.Stop()
		c.highlightTimer = nil
	}
}

func (c *Controller) notify() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.View())
}
