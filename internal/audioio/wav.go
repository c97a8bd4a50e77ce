package audioio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// wavHeader is the 44-byte canonical RIFF/WAVE header for 16-bit mono PCM.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// EncodeWAV encodes 16-bit mono PCM samples into a WAV byte stream.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("write wav data: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWAV decodes 16-bit mono PCM WAV data back into samples and the
// sample rate. Multi-channel and non-PCM inputs are rejected; codec
// conversion is not this package's job.
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < 44 {
		return nil, 0, fmt.Errorf("wav data too short: %d bytes", len(data))
	}

	rd := bytes.NewReader(data)
	var h wavHeader
	if err := binary.Read(rd, binary.LittleEndian, &h); err != nil {
		return nil, 0, fmt.Errorf("read wav header: %w", err)
	}

	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a wav file")
	}
	if string(h.Subchunk1ID[:]) != "fmt " || string(h.Subchunk2ID[:]) != "data" {
		return nil, 0, fmt.Errorf("wav missing fmt/data chunks")
	}
	if h.AudioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported wav format %d: only PCM", h.AudioFormat)
	}
	if h.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth %d: only 16-bit", h.BitsPerSample)
	}
	if h.NumChannels != 1 {
		return nil, 0, fmt.Errorf("unsupported channel count %d: only mono", h.NumChannels)
	}

	n := int(h.Subchunk2Size) / 2
	if n <= 0 {
		return nil, 0, fmt.Errorf("wav has no audio data")
	}
	samples := make([]int16, n)
	if err := binary.Read(rd, binary.LittleEndian, samples); err != nil {
		return nil, 0, fmt.Errorf("read wav samples: %w", err)
	}
	return samples, int(h.SampleRate), nil
}

// WAVDuration returns the playback duration of WAV data in seconds.
func WAVDuration(data []byte) (float64, error) {
	if len(data) < 44 {
		return 0, fmt.Errorf("wav data too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a wav file")
	}
	rate := binary.LittleEndian.Uint32(data[24:28])
	if rate == 0 {
		return 0, fmt.Errorf("invalid sample rate: 0")
	}
	channels := binary.LittleEndian.Uint16(data[22:24])
	bits := binary.LittleEndian.Uint16(data[34:36])
	if channels == 0 || bits == 0 {
		return 0, fmt.Errorf("invalid wav header")
	}
	dataSize := binary.LittleEndian.Uint32(data[40:44])
	bytesPerSecond := uint32(rate) * uint32(channels) * uint32(bits) / 8
	return float64(dataSize) / float64(bytesPerSecond), nil
}
