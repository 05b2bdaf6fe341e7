// Package testutil provides shared test fixtures: synthetic speech-like
// waveforms, a PCM16 WAV writer, and on-disk dataset builders.
package testutil

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pronlab/stackbench/internal/stack"
)

// SampleRate is the fixture sample rate shared by every synthetic
// waveform and dataset.
const SampleRate = 16000

// Bursts is the canonical fixture segmentation: two speech bursts inside
// a two second utterance.
func Bursts() stack.SegmentSet {
	return stack.SegmentSet{{Start: 0.5, End: 1.0}, {Start: 1.5, End: 2.0}}
}

// Waveform synthesizes duration seconds of silence with a 220 Hz tone at
// amplitude 0.5 inside each burst span. Deterministic, no noise floor.
func Waveform(duration float64, bursts stack.SegmentSet) stack.Waveform {
	samples := make([]float64, int(duration*SampleRate))
	for _, b := range bursts {
		lo, hi := int(b.Start*SampleRate), int(b.End*SampleRate)
		for i := lo; i < hi && i < len(samples); i++ {
			samples[i] = 0.5 * math.Sin(2*math.Pi*220*float64(i)/SampleRate)
		}
	}
	return stack.Waveform{Samples: samples, SampleRate: SampleRate}
}

// Utterance builds the standard two-burst fixture utterance with the
// bursts themselves as reference segments and an optional score.
func Utterance(id string, score *float64) stack.Utterance {
	bursts := Bursts()
	return stack.Utterance{
		ID:        id,
		Audio:     Waveform(2.0, bursts),
		Reference: bursts,
		Score:     score,
	}
}

// Score returns a pointer to v, for optional score fields.
func Score(v float64) *float64 { return &v }

// WriteWAV writes a mono 16-bit PCM RIFF file. Samples clip to [-1, 1].
func WriteWAV(t *testing.T, path string, w stack.Waveform) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	dataLen := uint32(2 * len(w.Samples))
	hdr := make([]byte, 0, 44)
	hdr = append(hdr, "RIFF"...)
	hdr = binary.LittleEndian.AppendUint32(hdr, 36+dataLen)
	hdr = append(hdr, "WAVE"...)
	hdr = append(hdr, "fmt "...)
	hdr = binary.LittleEndian.AppendUint32(hdr, 16)
	hdr = binary.LittleEndian.AppendUint16(hdr, 1) // PCM
	hdr = binary.LittleEndian.AppendUint16(hdr, 1) // mono
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(w.SampleRate))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(w.SampleRate)*2)
	hdr = binary.LittleEndian.AppendUint16(hdr, 2)
	hdr = binary.LittleEndian.AppendUint16(hdr, 16)
	hdr = append(hdr, "data"...)
	hdr = binary.LittleEndian.AppendUint32(hdr, dataLen)
	if _, err := f.Write(hdr); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}

	pcm := make([]byte, 0, dataLen)
	for _, s := range w.Samples {
		v := s * 32768
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		pcm = binary.LittleEndian.AppendUint16(pcm, uint16(int16(v)))
	}
	if _, err := f.Write(pcm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

// DatasetSpec describes the on-disk dataset WriteDataset builds.
type DatasetSpec struct {
	IDs          []string
	Teacher      bool               // also write <id>_teacher.wav next to each file
	Scores       map[string]float64 // external scores; ids absent here get none
	SkipRefs     []string           // ids deliberately left out of reference_segments.json
	ExtraWAVs    []string           // extra base names (without .wav) with no reference entry
	ReferenceAlt map[string]stack.SegmentSet
}

// WriteDataset materializes a dataset directory: one two-burst WAV per id,
// reference_segments.json, and scores.json when scores are given. Returns
// the audio dir and the two JSON paths ("" when not written).
func WriteDataset(t *testing.T, dir string, spec DatasetSpec) (audioDir, refPath, scoresPath string) {
	t.Helper()

	audioDir = dir
	refs := make(map[string][][2]float64)
	skip := make(map[string]bool, len(spec.SkipRefs))
	for _, id := range spec.SkipRefs {
		skip[id] = true
	}

	for _, id := range spec.IDs {
		bursts := Bursts()
		if alt, ok := spec.ReferenceAlt[id]; ok {
			bursts = alt
		}
		WriteWAV(t, filepath.Join(dir, id+".wav"), Waveform(2.0, bursts))
		if spec.Teacher {
			WriteWAV(t, filepath.Join(dir, id+"_teacher.wav"), Waveform(2.0, Bursts()))
		}
		if skip[id] {
			continue
		}
		pairs := make([][2]float64, len(bursts))
		for i, b := range bursts {
			pairs[i] = [2]float64{b.Start, b.End}
		}
		refs[id] = pairs
	}
	for _, name := range spec.ExtraWAVs {
		WriteWAV(t, filepath.Join(dir, name+".wav"), Waveform(2.0, Bursts()))
	}

	refPath = filepath.Join(dir, "reference_segments.json")
	writeJSON(t, refPath, refs)

	if len(spec.Scores) > 0 {
		scoresPath = filepath.Join(dir, "scores.json")
		writeJSON(t, scoresPath, spec.Scores)
	}
	return audioDir, refPath, scoresPath
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
