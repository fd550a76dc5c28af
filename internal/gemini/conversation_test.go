package gemini

import (
	"strings"
	"testing"
	"time"

	"google.golang.org/genai"
)

func userMsg(text string) *genai.Content {
	return genai.NewContentFromText(text, genai.RoleUser)
}

func TestConversationCadence(t *testing.T) {
	c := NewConversation(2, 4)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)

	// Turn 0 seeds the chat with the prompt.
	m0 := userMsg("m0")
	got := c.Prepare(now, "", m0)
	if len(got) != 2 || got[1] != m0 {
		t.Fatalf("Expected [seed, m0], got %d entries", len(got))
	}
	seed := got[0]
	if seed.Role != string(genai.RoleUser) {
		t.Errorf("Expected seed role user, got %s", seed.Role)
	}
	if !strings.Contains(seed.Parts[0].Text, "current time:2024-05-01 10:00:00") {
		t.Errorf("Seed prompt missing time: %q", seed.Parts[0].Text)
	}
	c0 := userMsg("c0")
	c.Commit(m0, c0, "a0")

	// Turn 1 refreshes the chat from condensed history.
	m1 := userMsg("m1")
	got = c.Prepare(now, "", m1)
	if len(got) != 4 {
		t.Fatalf("Expected 4 entries after refresh, got %d", len(got))
	}
	if got[0] != seed || got[1] != c0 || got[3] != m1 {
		t.Error("Expected chat rebuilt as [seed, c0, a0, m1]")
	}
	if got[2].Role != string(genai.RoleModel) || got[2].Parts[0].Text != "a0" {
		t.Errorf("Expected model reply a0, got %+v", got[2])
	}
	c.Commit(m1, userMsg("c1"), "a1")

	// Turn 2 keeps the live chat with full messages.
	m2 := userMsg("m2")
	got = c.Prepare(now, "", m2)
	if len(got) != 6 || got[3] != m1 || got[5] != m2 {
		t.Fatalf("Expected live chat [seed, c0, a0, m1, a1, m2], got %d entries", len(got))
	}
	c.Commit(m2, userMsg("c2"), "a2")

	if h, ch := c.Len(); h != 7 || ch != 7 {
		t.Errorf("Expected history 7 and chat 7, got %d/%d", h, ch)
	}

	// Turn 3 drops history and reseeds.
	later := now.Add(time.Hour)
	m3 := userMsg("m3")
	got = c.Prepare(later, "", m3)
	if len(got) != 2 || got[1] != m3 {
		t.Fatalf("Expected [seed, m3] after reset, got %d entries", len(got))
	}
	if got[0] == seed || !strings.Contains(got[0].Parts[0].Text, "11:00:00") {
		t.Error("Expected a freshly built seed")
	}

	if c.Turns() != 3 {
		t.Errorf("Expected 3 turns, got %d", c.Turns())
	}
}

func TestConversationDefaultCadence(t *testing.T) {
	c := NewConversation(0, 0)
	now := time.Now()

	for i := 0; i < 9; i++ {
		msg := userMsg("m")
		c.Prepare(now, "", msg)
		c.Commit(msg, userMsg("c"), "a")
	}

	// Turn 9 is the first refresh with the default cadence.
	if _, chat := c.Len(); chat != 19 {
		t.Fatalf("Expected 19 chat entries before refresh, got %d", chat)
	}
	got := c.Prepare(now, "", userMsg("m9"))
	if got[1].Parts[0].Text != "c" {
		t.Errorf("Expected condensed entry after refresh, got %q", got[1].Parts[0].Text)
	}
}

func TestConversationFailedTurnNotRecorded(t *testing.T) {
	c := NewConversation(10, 30)
	c.Prepare(time.Now(), "", userMsg("m0"))

	// No Commit: the next Prepare sees only the seed.
	got := c.Prepare(time.Now(), "", userMsg("m0 again"))
	if len(got) != 2 {
		t.Errorf("Expected [seed, msg], got %d entries", len(got))
	}
	if c.Turns() != 0 {
		t.Errorf("Expected 0 turns, got %d", c.Turns())
	}
}

func TestConversationReset(t *testing.T) {
	c := NewConversation(10, 30)
	msg := userMsg("m")
	c.Prepare(time.Now(), "", msg)
	c.Commit(msg, msg, "a")

	c.Reset()

	if c.Turns() != 0 {
		t.Errorf("Expected 0 turns, got %d", c.Turns())
	}
	if h, ch := c.Len(); h != 0 || ch != 0 {
		t.Errorf("Expected empty transcripts, got %d/%d", h, ch)
	}
}
