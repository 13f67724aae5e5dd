package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidWAV is returned by [DecodeWAV] for data that is not a PCM16 RIFF
// WAVE file.
var ErrInvalidWAV = errors.New("invalid WAV data")

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte header written by [EncodeWAV].
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// EncodeWAV wraps PCM16 bytes in a WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("audio: encode wav: invalid format %s", f)
	}
	if len(pcm) == 0 {
		return nil, errors.New("audio: encode wav: no audio data")
	}

	dataSize := uint32(len(pcm))
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.BytesPerSecond()),
		BlockAlign:    uint16(f.Channels * 2),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("audio: encode wav header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// DecodeWAV extracts the PCM16 payload and format from a WAV file. Chunks
// other than "fmt " and "data" (e.g. LIST metadata) are skipped.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		f       Format
		haveFmt bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			// Some encoders write a streaming placeholder size for data.
			if id == "data" && haveFmt {
				size = len(data) - body
			} else {
				return nil, Format{}, fmt.Errorf("audio: decode wav: %w: chunk %q overruns file", ErrInvalidWAV, id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("audio: decode wav: %w: short fmt chunk", ErrInvalidWAV)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body:])
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if audioFormat != 1 || bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: decode wav: %w: only 16-bit PCM is supported (format %d, %d bits)", ErrInvalidWAV, audioFormat, bits)
			}
			f = Format{
				Channels:   int(binary.LittleEndian.Uint16(data[body+2:])),
				SampleRate: int(binary.LittleEndian.Uint32(data[body+4:])),
			}
			if !f.Valid() {
				return nil, Format{}, fmt.Errorf("audio: decode wav: %w: unsupported format %s", ErrInvalidWAV, f)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("audio: decode wav: %w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			pcm := data[body : body+size]
			if rem := len(pcm) % (2 * f.Channels); rem != 0 {
				pcm = pcm[:len(pcm)-rem]
			}
			return pcm, f, nil
		}

		// Chunks are word aligned.
		off = body + size + size%2
	}
	return nil, Format{}, fmt.Errorf("audio: decode wav: %w: no data chunk", ErrInvalidWAV)
}
