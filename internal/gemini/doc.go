// Package gemini is the generative-model side of the assistant. It builds
// the prompt, picks which captured frames accompany the audio, keeps the
// per-session conversation for continuation mode, and calls the Gemini API
// through google.golang.org/genai with bounded concurrency and retries.
package gemini
