package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE PCM header.
const WAVHeaderSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// EncodeWAV encodes float samples in [-1, 1] as a mono 16-bit PCM WAV file.
//
// Each sample is stored as round(sample * 32768). Values outside [-1, 1] are
// not clipped and wrap the way a 16-bit store does; callers normalise first.
// An empty sample slice produces a bare 44-byte header.
func EncodeWAV(samples []float32, sampleRate int, bitsPerSample int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", bitsPerSample)
	}

	numChannels := uint16(1)
	bytesPerSample := uint32(bitsPerSample / 8)
	dataSize := uint32(len(samples)) * bytesPerSample

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * bytesPerSample,
		BlockAlign:    numChannels * uint16(bytesPerSample),
		BitsPerSample: uint16(bitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+int(dataSize)))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = floatToPCM16(s)
	}

	if err := binary.Write(buf, binary.LittleEndian, pcm); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// floatToPCM16 scales s to the 16-bit range. The intermediate int64 keeps the
// out-of-range behaviour a two's complement truncation.
func floatToPCM16(s float32) int16 {
	return int16(int64(math.Round(float64(s) * 32768)))
}

// ReadWAV parses a file produced by EncodeWAV and returns its header and
// PCM samples. Only mono 16-bit PCM is accepted.
func ReadWAV(data []byte) (WAVHeader, []int16, error) {
	var h WAVHeader
	if len(data) < WAVHeaderSize {
		return h, nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}
	if err := binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &h); err != nil {
		return h, nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	switch {
	case string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE":
		return h, nil, fmt.Errorf("not a RIFF/WAVE file")
	case string(h.Subchunk1ID[:]) != "fmt " || string(h.Subchunk2ID[:]) != "data":
		return h, nil, fmt.Errorf("unexpected chunk layout: %q then %q", h.Subchunk1ID[:], h.Subchunk2ID[:])
	case h.AudioFormat != 1 || h.BitsPerSample != 16 || h.NumChannels != 1:
		return h, nil, fmt.Errorf("unsupported format %d: %d-bit, %d channels", h.AudioFormat, h.BitsPerSample, h.NumChannels)
	}

	payload := data[WAVHeaderSize:]
	if int(h.Subchunk2Size) > len(payload) || h.Subchunk2Size%2 != 0 {
		return h, nil, fmt.Errorf("WAV data truncated: header declares %d bytes, got %d", h.Subchunk2Size, len(payload))
	}

	pcm := make([]int16, h.Subchunk2Size/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return h, pcm, nil
}

// Duration returns the playback length the header declares.
func (h WAVHeader) Duration() time.Duration {
	if h.ByteRate == 0 {
		return 0
	}
	return time.Duration(h.Subchunk2Size) * time.Second / time.Duration(h.ByteRate)
}
