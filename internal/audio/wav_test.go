package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestEncodeWAVEmpty(t *testing.T) {
	wavData, err := EncodeWAV(nil, 16000, 16)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(wavData) != WAVHeaderSize {
		t.Fatalf("Expected %d bytes, got %d", WAVHeaderSize, len(wavData))
	}

	checks := []struct {
		name     string
		offset   int
		size     int
		expected uint32
	}{
		{"chunk size", 4, 4, 36},
		{"fmt size", 16, 4, 16},
		{"audio format", 20, 2, 1},
		{"channels", 22, 2, 1},
		{"sample rate", 24, 4, 16000},
		{"byte rate", 28, 4, 32000},
		{"block align", 32, 2, 2},
		{"bits per sample", 34, 2, 16},
		{"data size", 40, 4, 0},
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			var got uint32
			if c.size == 2 {
				got = uint32(binary.LittleEndian.Uint16(wavData[c.offset:]))
			} else {
				got = binary.LittleEndian.Uint32(wavData[c.offset:])
			}
			if got != c.expected {
				t.Errorf("Expected %d at offset %d, got %d", c.expected, c.offset, got)
			}
		})
	}

	for _, tag := range []struct {
		offset int
		value  string
	}{{0, "RIFF"}, {8, "WAVE"}, {12, "fmt "}, {36, "data"}} {
		if got := string(wavData[tag.offset : tag.offset+4]); got != tag.value {
			t.Errorf("Expected %q at offset %d, got %q", tag.value, tag.offset, got)
		}
	}
}

func TestEncodeWAVSampleConversion(t *testing.T) {
	wavData, err := EncodeWAV([]float32{0.5, -0.5}, 16000, 16)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(wavData) != WAVHeaderSize+4 {
		t.Fatalf("Expected %d bytes, got %d", WAVHeaderSize+4, len(wavData))
	}

	if got := int16(binary.LittleEndian.Uint16(wavData[44:])); got != 16384 {
		t.Errorf("Expected 16384 at offset 44, got %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(wavData[46:])); got != -16384 {
		t.Errorf("Expected -16384 at offset 46, got %d", got)
	}

	if got := binary.LittleEndian.Uint32(wavData[4:]); got != 40 {
		t.Errorf("Expected chunk size 40, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(wavData[40:]); got != 4 {
		t.Errorf("Expected data size 4, got %d", got)
	}
}

func TestEncodeWAVNoClipping(t *testing.T) {
	wavData, err := EncodeWAV([]float32{1.0, -1.0}, 16000, 16)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// 1.0 * 32768 does not fit in int16 and wraps.
	if got := int16(binary.LittleEndian.Uint16(wavData[44:])); got != math.MinInt16 {
		t.Errorf("Expected wrapped value %d, got %d", math.MinInt16, got)
	}
	if got := int16(binary.LittleEndian.Uint16(wavData[46:])); got != math.MinInt16 {
		t.Errorf("Expected %d, got %d", math.MinInt16, got)
	}
}

func TestEncodeWAVInvalidParameters(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate int
		bits       int
	}{
		{"zero sample rate", 0, 16},
		{"negative sample rate", -8000, 16},
		{"8-bit", 16000, 8},
		{"24-bit", 16000, 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV([]float32{0.1}, tt.sampleRate, tt.bits); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestEncodeReadWAV(t *testing.T) {
	sampleRate := 16000
	numSamples := 1600 // 0.1 seconds
	samples := make([]float32, numSamples)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}

	wavData, err := EncodeWAV(samples, sampleRate, 16)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	header, decoded, err := ReadWAV(wavData)
	if err != nil {
		t.Fatalf("ReadWAV failed: %v", err)
	}

	if int(header.SampleRate) != sampleRate {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, header.SampleRate)
	}
	if header.Duration() != 100*time.Millisecond {
		t.Errorf("Expected duration 100ms, got %v", header.Duration())
	}

	if len(decoded) != numSamples {
		t.Fatalf("Expected %d samples, got %d", numSamples, len(decoded))
	}

	for i, s := range samples {
		want := int16(math.Round(float64(s) * 32768))
		if decoded[i] != want {
			t.Fatalf("Sample %d: expected %d, got %d", i, want, decoded[i])
		}
	}
}

func TestReadWAVRejects(t *testing.T) {
	valid, err := EncodeWAV([]float32{0, 0.25, -0.25}, 16000, 16)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	patch := func(offset int, value []byte) []byte {
		data := make([]byte, len(valid))
		copy(data, valid)
		copy(data[offset:], value)
		return data
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", valid[:20]},
		{"missing RIFF", patch(0, []byte("RIFX"))},
		{"missing WAVE", patch(8, []byte("WAVX"))},
		{"missing fmt", patch(12, []byte("fmtx"))},
		{"missing data", patch(36, []byte("datx"))},
		{"stereo", patch(22, []byte{2, 0})},
		{"8-bit", patch(34, []byte{8, 0})},
		{"truncated", valid[:len(valid)-2]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ReadWAV(tt.data); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}
