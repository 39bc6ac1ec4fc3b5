// Package selection implements multi-select over the active message list.
package selection

import (
	"chatsync/pkg/chaterr"
	"chatsync/pkg/models"
)

type Mode string

const (
	ModeNone      Mode = "none"
	ModeSelecting Mode = "selecting"
)

// Action is a bulk or single-message action offered while selecting.
type Action string

const (
	ActionDelete  Action = "delete"
	ActionEdit    Action = "edit"
	ActionReply   Action = "reply"
	ActionForward Action = "forward"
)

// Lookup resolves selected IDs against the live message list.
// store.Timeline satisfies it.
type Lookup interface {
	Get(id string) (models.Message, bool)
}

// Actions reports which actions the current selection enables.
type Actions struct {
	Delete  bool `json:"delete"`
	Edit    bool `json:"edit"`
	Reply   bool `json:"reply"`
	Forward bool `json:"forward"`
}

func (a Actions) Enabled(act Action) bool {
	switch act {
	case ActionDelete:
		return a.Delete
	case ActionEdit:
		return a.Edit
	case ActionReply:
		return a.Reply
	case ActionForward:
		return a.Forward
	}
	return false
}

// BulkAction is the intent produced by Dispatch. The engine carries it out.
type BulkAction struct {
	Action         Action
	ConversationID string
	Messages       []models.Message
}

// Snapshot is the read-only view of the selection state.
type Snapshot struct {
	Mode           Mode     `json:"mode"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Selected       []string `json:"selected,omitempty"`
	Actions        Actions  `json:"actions"`
}

// Controller owns the selection of one conversation at a time. It is not
// safe for concurrent use.
type Controller struct {
	self           models.Identity
	conversationID string
	mode           Mode
	order          []string
	selected       map[string]struct{}
}

func NewController(self models.Identity) *Controller {
	return &Controller{self: self, mode: ModeNone, selected: make(map[string]struct{})}
}

func (c *Controller) Mode() Mode { return c.mode }

func (c *Controller) ConversationID() string { return c.conversationID }

// Switch binds the controller to a new conversation, leaving selecting mode.
func (c *Controller) Switch(conversationID string) {
	c.conversationID = conversationID
	c.reset()
}

func (c *Controller) reset() {
	c.mode = ModeNone
	c.order = nil
	c.selected = make(map[string]struct{})
}

// Toggle enters selecting mode with an empty set, or leaves it.
func (c *Controller) Toggle() Mode {
	if c.mode == ModeSelecting {
		c.reset()
	} else {
		c.mode = ModeSelecting
	}
	return c.mode
}

// Press handles a long press or secondary click on id: it enters selecting
// mode with id selected, or toggles id when already selecting.
func (c *Controller) Press(id string) {
	if c.mode == ModeNone {
		c.mode = ModeSelecting
	}
	c.ToggleMessage(id)
}

// ToggleMessage adds or removes id and reports whether it is now selected.
// Outside selecting mode it does nothing.
func (c *Controller) ToggleMessage(id string) bool {
	if c.mode != ModeSelecting || id == "" {
		return false
	}
	if _, ok := c.selected[id]; ok {
		delete(c.selected, id)
		for i, cur := range c.order {
			if cur == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		return false
	}
	c.selected[id] = struct{}{}
	c.order = append(c.order, id)
	return true
}

// IsSelected reports whether id is in the set.
func (c *Controller) IsSelected(id string) bool {
	_, ok := c.selected[id]
	return ok
}

// Selected returns the IDs in selection order.
func (c *Controller) Selected() []string {
	return append([]string(nil), c.order...)
}

// Prune drops IDs that no longer resolve, such as messages deleted by a
// push event while selected.
func (c *Controller) Prune(l Lookup) int {
	n := 0
	for _, id := range c.Selected() {
		if _, ok := l.Get(id); !ok {
			c.ToggleMessage(id)
			n++
		}
	}
	return n
}

func (c *Controller) resolve(l Lookup) []models.Message {
	out := make([]models.Message, 0, len(c.order))
	for _, id := range c.order {
		if m, ok := l.Get(id); ok {
			out = append(out, m)
		}
	}
	return out
}

// Actions evaluates the enabled actions against the live messages.
func (c *Controller) Actions(l Lookup) Actions {
	if c.mode != ModeSelecting {
		return Actions{}
	}
	return evaluate(c.self, c.resolve(l))
}

func evaluate(self models.Identity, msgs []models.Message) Actions {
	if len(msgs) == 0 {
		return Actions{}
	}
	a := Actions{Delete: true, Forward: true}
	for _, m := range msgs {
		if m.Sender != self {
			a.Delete = false
		}
		if m.State != models.StateSent {
			a.Forward = false
		}
	}
	if len(msgs) == 1 {
		m := msgs[0]
		a.Reply = m.State == models.StateSent
		a.Edit = m.Sender == self && m.State == models.StateSent && m.Body != nil && m.Body.Text() != ""
	}
	return a
}

// Dispatch validates act against the selection, returns the intent and
// resets to none. A disabled action is a validation failure and leaves the
// selection untouched.
func (c *Controller) Dispatch(act Action, l Lookup) (BulkAction, error) {
	const op chaterr.Op = "selection.Dispatch"
	if c.mode != ModeSelecting {
		return BulkAction{}, chaterr.Invalid(op, "not selecting")
	}
	msgs := c.resolve(l)
	if !evaluate(c.self, msgs).Enabled(act) {
		return BulkAction{}, chaterr.Invalid(op, string(act)+" is not available for this selection")
	}
	out := BulkAction{Action: act, ConversationID: c.conversationID, Messages: msgs}
	c.reset()
	return out, nil
}

// Snapshot captures the state for rendering.
func (c *Controller) Snapshot(l Lookup) Snapshot {
	return Snapshot{
		Mode:           c.mode,
		ConversationID: c.conversationID,
		Selected:       c.Selected(),
		Actions:        c.Actions(l),
	}
}
