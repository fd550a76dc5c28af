// Package vad provides energy-based utterance endpointing.
// It debounces the start of speech over consecutive loud frames, holds the
// utterance open through short pauses, and reports a finished utterance once
// trailing silence and a minimum utterance length have both elapsed.
package vad
