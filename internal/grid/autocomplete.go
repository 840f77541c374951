package grid

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SearchState is the autocomplete request state machine: idle, pending a
// debounced request, or showing an open result list.
type SearchState int

const (
	SearchIdle SearchState = iota
	SearchPending
	SearchOpen
)

// SearchResult is one autocomplete hit: the identifier plus the full fetched
// record, so the caller can populate dependent fields from it.
type SearchResult struct {
	ID     int64
	Label  string
	Record map[string]any
}

// SearchFunc executes the remote search for a term. The cell constrains the
// target table/field when the func is built.
type SearchFunc func(ctx context.Context, term string) ([]SearchResult, error)

// AutocompleteCell owns its own debounced remote search. Every keystroke
// bumps a monotonically increasing token; a response whose token no longer
// matches is discarded, so a slow early request can never overwrite the
// results of a later one.
type AutocompleteCell struct {
	mu       sync.Mutex
	search   SearchFunc
	debounce time.Duration
	minChars int
	onSelect func(id int64, record map[string]any)
	onError  func(error)

	state   SearchState
	token   uint64
	timer   *time.Timer
	results []SearchResult
}

func NewAutocompleteCell(search SearchFunc, onSelect func(id int64, record map[string]any)) *AutocompleteCell {
	return &AutocompleteCell{
		search:   search,
		debounce: 300 * time.Millisecond,
		minChars: 2,
		onSelect: onSelect,
	}
}

// SetDebounce overrides the ~300ms default (tests).
func (c *AutocompleteCell) SetDebounce(d time.Duration) { c.debounce = d }

// SetOnError installs the failure callback; search failures are reported,
// never retried.
func (c *AutocompleteCell) SetOnError(fn func(error)) { c.onError = fn }

func (c *AutocompleteCell) State() SearchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *AutocompleteCell) Results() []SearchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SearchResult, len(c.results))
	copy(out, c.results)
	return out
}

// Type records a keystroke. Terms shorter than the minimum immediately reset
// to idle and invalidate any in-flight request; anything longer restarts the
// debounce window under a fresh token.
func (c *AutocompleteCell) Type(ctx context.Context, term string) {
	term = strings.TrimSpace(term)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.token++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	if len([]rune(term)) < c.minChars {
		c.state = SearchIdle
		c.results = nil
		return
	}

	c.state = SearchPending
	tok := c.token
	c.timer = time.AfterFunc(c.debounce, func() {
		c.fire(ctx, term, tok)
	})
}

func (c *AutocompleteCell) fire(ctx context.Context, term string, tok uint64) {
	c.mu.Lock()
	if tok != c.token {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	results, err := c.search(ctx, term)
	c.deliver(tok, results, err)
}

// deliver applies a response unless a newer keystroke has raced past it.
func (c *AutocompleteCell) deliver(tok uint64, results []SearchResult, err error) {
	c.mu.Lock()
	if tok != c.token {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.state = SearchIdle
		c.results = nil
		onError := c.onError
		c.mu.Unlock()
		if onError != nil {
			onError(err)
		}
		return
	}
	c.state = SearchOpen
	c.results = results
	c.mu.Unlock()
}

// Select commits the identifier and the full record of the chosen result and
// closes the list.
func (c *AutocompleteCell) Select(index int) bool {
	c.mu.Lock()
	if c.state != SearchOpen || index < 0 || index >= len(c.results) {
		c.mu.Unlock()
		return false
	}
	chosen := c.results[index]
	c.state = SearchIdle
	c.results = nil
	c.token++
	onSelect := c.onSelect
	c.mu.Unlock()

	if onSelect != nil {
		onSelect(chosen.ID, chosen.Record)
	}
	return true
}

// Close dismisses the open result list without committing (outside click).
func (c *AutocompleteCell) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = SearchIdle
	c.results = nil
	c.token++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
