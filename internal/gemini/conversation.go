package gemini

import (
	"sync"
	"time"

	"google.golang.org/genai"
)

// Default conversation cadences.
const (
	DefaultRefreshEvery = 10
	DefaultResetEvery   = 30
)

// Conversation is the multi-turn context of one session.
//
// Two transcripts are kept. history is the condensed record (last frame plus
// audio and the model's text per turn) that seeds a fresh chat; chat is the
// live transcript sent with each request, full media included. The chat is
// rebuilt from history on the turn before every RefreshEvery boundary, and
// history itself is dropped on the turn before every ResetEvery boundary.
type Conversation struct {
	refreshEvery int
	resetEvery   int

	turns   int
	history []*genai.Content
	chat    []*genai.Content
	started bool

	mu sync.Mutex
}

// NewConversation creates an empty conversation. Cadences below 1 take the
// defaults.
func NewConversation(refreshEvery, resetEvery int) *Conversation {
	if refreshEvery < 1 {
		refreshEvery = DefaultRefreshEvery
	}
	if resetEvery < 1 {
		resetEvery = DefaultResetEvery
	}
	return &Conversation{refreshEvery: refreshEvery, resetEvery: resetEvery}
}

// Prepare returns the contents to send for the next turn: the live chat
// followed by msg. The seed prompt is built only when history is rebuilt.
func (c *Conversation) Prepare(now time.Time, template string, msg *genai.Content) []*genai.Content {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.turns%c.refreshEvery == c.refreshEvery-1 {
		if c.turns%c.resetEvery == c.resetEvery-1 {
			c.history = nil
		}
		if c.history == nil {
			c.history = []*genai.Content{
				genai.NewContentFromText(BuildPrompt(template, now, ""), genai.RoleUser),
			}
		}
		c.chat = append([]*genai.Content(nil), c.history...)
		c.started = true
	}

	out := make([]*genai.Content, 0, len(c.chat)+1)
	out = append(out, c.chat...)
	return append(out, msg)
}

// Commit records a successful turn. msg is what was sent, condensed is its
// history form and reply is the model's text.
func (c *Conversation) Commit(msg, condensed *genai.Content, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	answer := genai.NewContentFromText(reply, genai.RoleModel)
	c.chat = append(c.chat, msg, answer)
	c.history = append(c.history, condensed, answer)
	c.turns++
}

// Turns returns the number of committed turns.
func (c *Conversation) Turns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns
}

// Len returns the sizes of the condensed history and the live chat.
func (c *Conversation) Len() (history, chat int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history), len(c.chat)
}

// Reset forgets everything.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = 0
	c.history = nil
	c.chat = nil
	c.started = false
}
