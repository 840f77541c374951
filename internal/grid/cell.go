package grid

import (
	"strconv"
	"strings"
	"time"
)

// Cell editors are small state machines. Activate enters edit mode, Commit
// (blur, Enter, or Tab for text inputs) hands the parsed value to the commit
// callback, Cancel (Escape) discards the draft and keeps the last committed
// value. A disabled editor ignores every event. Commit fires at most once per
// edit session, so rapidly switching rows cannot double-commit.

// TextCell edits free text. An all-whitespace draft commits nil.
type TextCell struct {
	disabled bool
	editing  bool
	draft    string
	value    *string
	onCommit func(*string)
}

func NewTextCell(value *string, onCommit func(*string)) *TextCell {
	return &TextCell{value: value, onCommit: onCommit}
}

func (c *TextCell) SetDisabled(disabled bool) { c.disabled = disabled }
func (c *TextCell) Editing() bool             { return c.editing }
func (c *TextCell) Value() *string            { return c.value }

func (c *TextCell) Activate() bool {
	if c.disabled || c.editing {
		return false
	}
	c.editing = true
	if c.value != nil {
		c.draft = *c.value
	} else {
		c.draft = ""
	}
	return true
}

func (c *TextCell) SetDraft(draft string) bool {
	if !c.editing {
		return false
	}
	c.draft = draft
	return true
}

func (c *TextCell) Commit() {
	if !c.editing {
		return
	}
	c.editing = false
	trimmed := strings.TrimSpace(c.draft)
	if trimmed == "" {
		c.value = nil
	} else {
		c.value = &trimmed
	}
	if c.onCommit != nil {
		c.onCommit(c.value)
	}
}

func (c *TextCell) Cancel() {
	c.editing = false
	c.draft = ""
}

// NumberCell edits a numeric value with optional clamping bounds. An
// unparsable draft commits nil; a half-typed string is never committed.
type NumberCell struct {
	disabled bool
	editing  bool
	draft    string
	value    *float64
	min, max *float64
	onCommit func(*float64)
}

func NewNumberCell(value *float64, min, max *float64, onCommit func(*float64)) *NumberCell {
	return &NumberCell{value: value, min: min, max: max, onCommit: onCommit}
}

func (c *NumberCell) SetDisabled(disabled bool) { c.disabled = disabled }
func (c *NumberCell) Editing() bool             { return c.editing }
func (c *NumberCell) Value() *float64           { return c.value }

func (c *NumberCell) Activate() bool {
	if c.disabled || c.editing {
		return false
	}
	c.editing = true
	if c.value != nil {
		c.draft = strconv.FormatFloat(*c.value, 'f', -1, 64)
	} else {
		c.draft = ""
	}
	return true
}

func (c *NumberCell) SetDraft(draft string) bool {
	if !c.editing {
		return false
	}
	c.draft = draft
	return true
}

func (c *NumberCell) Commit() {
	if !c.editing {
		return
	}
	c.editing = false
	parsed, err := strconv.ParseFloat(strings.TrimSpace(c.draft), 64)
	if err != nil {
		c.value = nil
	} else {
		if c.min != nil && parsed < *c.min {
			parsed = *c.min
		}
		if c.max != nil && parsed > *c.max {
			parsed = *c.max
		}
		c.value = &parsed
	}
	if c.onCommit != nil {
		c.onCommit(c.value)
	}
}

func (c *NumberCell) Cancel() {
	c.editing = false
	c.draft = ""
}

// DateCell edits a YYYY-MM-DD date. An unparsable draft commits nil.
type DateCell struct {
	disabled bool
	editing  bool
	draft    string
	value    *time.Time
	onCommit func(*time.Time)
}

const dateLayout = "2006-01-02"

func NewDateCell(value *time.Time, onCommit func(*time.Time)) *DateCell {
	return &DateCell{value: value, onCommit: onCommit}
}

func (c *DateCell) SetDisabled(disabled bool) { c.disabled = disabled }
func (c *DateCell) Editing() bool             { return c.editing }
func (c *DateCell) Value() *time.Time         { return c.value }

func (c *DateCell) Activate() bool {
	if c.disabled || c.editing {
		return false
	}
	c.editing = true
	if c.value != nil {
		c.draft = c.value.Format(dateLayout)
	} else {
		c.draft = ""
	}
	return true
}

func (c *DateCell) SetDraft(draft string) bool {
	if !c.editing {
		return false
	}
	c.draft = draft
	return true
}

func (c *DateCell) Commit() {
	if !c.editing {
		return
	}
	c.editing = false
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(c.draft))
	if err != nil {
		c.value = nil
	} else {
		c.value = &parsed
	}
	if c.onCommit != nil {
		c.onCommit(c.value)
	}
}

func (c *DateCell) Cancel() {
	c.editing = false
	c.draft = ""
}

// Option is one choice of an enumerated dropdown.
type Option struct {
	Value string
	Label string
}

// SelectCell edits an enumerated value. Clear is an explicit action, distinct
// from never having selected anything: Cleared reports whether the empty
// value was chosen on purpose.
type SelectCell struct {
	disabled bool
	open     bool
	cleared  bool
	options  []Option
	value    *string
	onCommit func(*string)
}

func NewSelectCell(value *string, options []Option, onCommit func(*string)) *SelectCell {
	return &SelectCell{value: value, options: options, onCommit: onCommit}
}

func (c *SelectCell) SetDisabled(disabled bool) { c.disabled = disabled }
func (c *SelectCell) Open() bool                { return c.open }
func (c *SelectCell) Value() *string            { return c.value }
func (c *SelectCell) Cleared() bool             { return c.cleared }

func (c *SelectCell) Activate() bool {
	if c.disabled || c.open {
		return false
	}
	c.open = true
	return true
}

// Select commits the chosen option value. Unknown values are ignored and the
// dropdown stays open.
func (c *SelectCell) Select(value string) bool {
	if !c.open {
		return false
	}
	for _, opt := range c.options {
		if opt.Value == value {
			c.open = false
			c.cleared = false
			v := opt.Value
			c.value = &v
			if c.onCommit != nil {
				c.onCommit(c.value)
			}
			return true
		}
	}
	return false
}

// Clear commits the explicit empty selection.
func (c *SelectCell) Clear() {
	if c.disabled || !c.open {
		return
	}
	c.open = false
	c.cleared = true
	c.value = nil
	if c.onCommit != nil {
		c.onCommit(nil)
	}
}

// Dismiss closes the dropdown without committing (Escape / outside click).
func (c *SelectCell) Dismiss() {
	c.open = false
}
