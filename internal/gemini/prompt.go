package gemini

import (
	"strings"
	"time"
)

// SystemPrompt is the instruction sent ahead of every request. The
// placeholder is replaced by BuildPrompt.
const SystemPrompt = "You are helpful assistant, I'm using camera/screen provide image to you . Reply in my language.\n" +
	"{{USER_PROMPT}} \n" +
	"Please follow the instructions in the audio to respond.\n"

const userPromptPlaceholder = "{{USER_PROMPT}}"

// timeLayout renders local wall-clock time as YYYY-MM-DD HH:MM:SS.
const timeLayout = "2006-01-02 15:04:05"

// BuildPrompt fills the system prompt with the current time and, when
// non-empty, the user's typed or transcribed text.
func BuildPrompt(template string, now time.Time, text string) string {
	if template == "" {
		template = SystemPrompt
	}
	user := "current time:" + now.Format(timeLayout)
	if text != "" {
		user += "\n\n" + text
	}
	return strings.Replace(template, userPromptPlaceholder, user, 1)
}
