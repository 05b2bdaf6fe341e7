package dataset

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pronlab/stackbench/internal/fsutil"
	"github.com/pronlab/stackbench/internal/stack"
	"github.com/pronlab/stackbench/internal/testutil"
)

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	want := testutil.Waveform(0.25, stack.SegmentSet{{Start: 0.05, End: 0.2}})
	path := filepath.Join(t.TempDir(), "roundtrip.wav")
	testutil.WriteWAV(t, path, want)

	got, err := ReadWAV(fsutil.OSFileSystem{}, path)
	require.NoError(t, err)
	assert.Equal(t, want.SampleRate, got.SampleRate)
	require.Len(t, got.Samples, len(want.Samples))
	for i := range want.Samples {
		// 16-bit quantization bounds the round-trip error.
		assert.InDelta(t, want.Samples[i], got.Samples[i], 1.0/32768+1e-9)
	}
}

// buildWAV assembles a RIFF stream chunk by chunk for decoder edge cases.
func buildWAV(chunks ...[]byte) []byte {
	var body []byte
	for _, c := range chunks {
		body = append(body, c...)
	}
	out := []byte("RIFF")
	out = binary.LittleEndian.AppendUint32(out, uint32(4+len(body)))
	out = append(out, "WAVE"...)
	return append(out, body...)
}

func fmtChunk(audioFormat, channels uint16, sampleRate uint32, bits uint16) []byte {
	c := []byte("fmt ")
	c = binary.LittleEndian.AppendUint32(c, 16)
	c = binary.LittleEndian.AppendUint16(c, audioFormat)
	c = binary.LittleEndian.AppendUint16(c, channels)
	c = binary.LittleEndian.AppendUint32(c, sampleRate)
	c = binary.LittleEndian.AppendUint32(c, sampleRate*uint32(channels)*uint32(bits)/8)
	c = binary.LittleEndian.AppendUint16(c, channels*bits/8)
	return binary.LittleEndian.AppendUint16(c, bits)
}

func dataChunk(samples ...int16) []byte {
	c := []byte("data")
	c = binary.LittleEndian.AppendUint32(c, uint32(2*len(samples)))
	for _, s := range samples {
		c = binary.LittleEndian.AppendUint16(c, uint16(s))
	}
	return c
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	t.Parallel()

	// LIST metadata with an odd size exercises the word-alignment pad.
	list := []byte("LIST")
	list = binary.LittleEndian.AppendUint32(list, 3)
	list = append(list, 'I', 'N', 'F', 0) // 3 bytes + pad

	raw := buildWAV(list, fmtChunk(1, 1, 8000, 16), dataChunk(0, 16384, -16384))
	w, err := DecodeWAV(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 8000, w.SampleRate)
	require.Len(t, w.Samples, 3)
	assert.InDelta(t, 0, w.Samples[0], 1e-9)
	assert.InDelta(t, 0.5, w.Samples[1], 1e-9)
	assert.InDelta(t, -0.5, w.Samples[2], 1e-9)
}

func TestDecodeWAVRejectsBadInputs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  []byte
	}{
		{"not riff", []byte("OGGSxxxxxxxxxxxxxxxx")},
		{"truncated header", []byte("RIFF")},
		{"no data chunk", buildWAV(fmtChunk(1, 1, 8000, 16))},
		{"data before fmt", buildWAV(dataChunk(1, 2, 3))},
		{"stereo", buildWAV(fmtChunk(1, 2, 8000, 16), dataChunk(1, 2))},
		{"float pcm", buildWAV(fmtChunk(3, 1, 8000, 16), dataChunk(1, 2))},
		{"8 bit", buildWAV(fmtChunk(1, 1, 8000, 8), dataChunk(1, 2))},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeWAV(bytes.NewReader(tc.raw))
			assert.Error(t, err)
		})
	}
}
