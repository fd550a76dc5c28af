package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/youkpan/gemini-assistant/internal/audio"
)

// Protocol constants
const (
	// Packet types
	PacketTypeAudio = 0x02

	// Packet structure sizes
	HeaderSize     = 8 // 1 + 1 + 4 + 2 bytes
	BytesPerSample = 4

	// Limits
	MaxChannels   = 1
	MinSampleRate = 8000
	MaxSampleRate = 192000
)

// Header represents the 8-byte audio packet header
// Layout: [PacketType:1][Channels:1][SampleRate:4][SampleCount:2]
type Header struct {
	PacketType  uint8  // 0x02=Audio
	Channels    uint8  // Always 1
	SampleRate  uint32 // Capture rate in Hz
	SampleCount uint16 // Number of float32 samples that follow
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType:  data[0],
		Channels:    data[1],
		SampleRate:  binary.BigEndian.Uint32(data[2:6]),
		SampleCount: binary.BigEndian.Uint16(data[6:8]),
	}

	return header, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if header.PacketType != PacketTypeAudio {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Channels == 0 || header.Channels > MaxChannels {
		return fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.Channels)
	}

	if header.SampleRate < MinSampleRate || header.SampleRate > MaxSampleRate {
		return fmt.Errorf("sample rate out of range: %d (allowed %d-%d)", header.SampleRate, MinSampleRate, MaxSampleRate)
	}

	return nil
}

// PacketLen returns the total packet size the header declares.
func (h *Header) PacketLen() int {
	return HeaderSize + int(h.SampleCount)*BytesPerSample
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	return fmt.Sprintf("Header{Type:0x%02x, Channels:%d, SampleRate:%d, Samples:%d}",
		h.PacketType, h.Channels, h.SampleRate, h.SampleCount)
}

// ParseAudioPacket parses a complete binary audio packet into a frame.
func ParseAudioPacket(data []byte) (audio.Frame, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("failed to parse header: %w", err)
	}

	if err := ValidateHeader(header); err != nil {
		return audio.Frame{}, fmt.Errorf("invalid header: %w", err)
	}

	if header.PacketLen() != len(data) {
		return audio.Frame{}, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen(), len(data))
	}

	samples := make([]float32, header.SampleCount)
	body := data[HeaderSize:]
	for i := range samples {
		bits := binary.LittleEndian.Uint32(body[i*BytesPerSample:])
		samples[i] = math.Float32frombits(bits)
	}

	return audio.Frame{
		Samples:    samples,
		SampleRate: int(header.SampleRate),
		Channels:   int(header.Channels),
	}, nil
}

// EncodeAudioPacket builds the binary packet for a mono frame.
func EncodeAudioPacket(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) > math.MaxUint16 {
		return nil, fmt.Errorf("too many samples for one packet: %d (max %d)", len(samples), math.MaxUint16)
	}
	if sampleRate < MinSampleRate || sampleRate > MaxSampleRate {
		return nil, fmt.Errorf("sample rate out of range: %d", sampleRate)
	}

	buf := make([]byte, HeaderSize+len(samples)*BytesPerSample)
	buf[0] = PacketTypeAudio
	buf[1] = 1
	binary.BigEndian.PutUint32(buf[2:6], uint32(sampleRate))
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(samples)))

	body := buf[HeaderSize:]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(body[i*BytesPerSample:], math.Float32bits(s))
	}

	return buf, nil
}
