package dataset

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pronlab/stackbench/internal/fsutil"
	"github.com/pronlab/stackbench/internal/stack"
)

// wavFormat captures the fmt chunk fields the decoder needs.
type wavFormat struct {
	audioFormat uint16
	channels    uint16
	sampleRate  uint32
	bits        uint16
}

// ReadWAV decodes a RIFF/WAVE file into a float waveform. Only the format
// the corpus is recorded in is accepted: 16-bit PCM, mono. Chunks other
// than fmt and data are skipped, including their odd-size pad bytes.
func ReadWAV(fsys fsutil.FileSystem, path string) (stack.Waveform, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return stack.Waveform{}, err
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV reads a RIFF/WAVE stream. Split from ReadWAV so tests can
// decode from memory.
func DecodeWAV(r io.Reader) (stack.Waveform, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return stack.Waveform{}, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return stack.Waveform{}, fmt.Errorf("not a RIFF/WAVE file")
	}

	var format *wavFormat
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return stack.Waveform{}, fmt.Errorf("no data chunk")
			}
			return stack.Waveform{}, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return stack.Waveform{}, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return stack.Waveform{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			format = &wavFormat{
				audioFormat: binary.LittleEndian.Uint16(body[0:2]),
				channels:    binary.LittleEndian.Uint16(body[2:4]),
				sampleRate:  binary.LittleEndian.Uint32(body[4:8]),
				bits:        binary.LittleEndian.Uint16(body[14:16]),
			}
		case "data":
			if format == nil {
				return stack.Waveform{}, fmt.Errorf("data chunk before fmt chunk")
			}
			if err := checkFormat(format); err != nil {
				return stack.Waveform{}, err
			}
			pcm := make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return stack.Waveform{}, fmt.Errorf("read data chunk: %w", err)
			}
			return decodePCM16(pcm, int(format.sampleRate)), nil
		default:
			skip := int64(size)
			if size%2 == 1 {
				skip++ // chunks are word aligned
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return stack.Waveform{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
		if id == "fmt " && size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return stack.Waveform{}, fmt.Errorf("skip fmt pad: %w", err)
			}
		}
	}
}

func checkFormat(f *wavFormat) error {
	if f.audioFormat != 1 {
		return fmt.Errorf("unsupported audio format %d, want PCM", f.audioFormat)
	}
	if f.channels != 1 {
		return fmt.Errorf("unsupported channel count %d, want mono", f.channels)
	}
	if f.bits != 16 {
		return fmt.Errorf("unsupported bit depth %d, want 16", f.bits)
	}
	if f.sampleRate == 0 {
		return fmt.Errorf("zero sample rate")
	}
	return nil
}

func decodePCM16(pcm []byte, sampleRate int) stack.Waveform {
	n := len(pcm) / 2
	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[2*i : 2*i+2]))
		samples[i] = float64(v) / 32768
	}
	return stack.Waveform{Samples: samples, SampleRate: sampleRate}
}
