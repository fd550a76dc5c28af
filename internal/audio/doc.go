// Package audio handles audio resampling, session buffering and WAV encoding.
// It converts device-rate float PCM frames to the 16 kHz target rate, accumulates
// them between utterance boundaries together with a rolling window of captured
// video frames, and serializes finished utterances as canonical RIFF/WAVE PCM.
package audio
