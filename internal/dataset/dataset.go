// Package dataset loads the utterance corpus from disk: WAV audio,
// human-aligned reference segments, optional teacher recordings, and
// external ground-truth scores. Loading happens once per run; the
// returned utterances are read-only thereafter.
package dataset

import (
	"encoding/json"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pronlab/stackbench/internal/fsutil"
	"github.com/pronlab/stackbench/internal/stack"
)

// DefaultReferenceFile is the conventional reference-segments file name,
// resolved relative to the audio directory when the descriptor leaves
// ReferenceSegmentsFile empty.
const DefaultReferenceFile = "reference_segments.json"

// Descriptor names the dataset inputs. Include and Exclude are path.Match
// patterns applied to WAV base names; an empty Include list admits
// everything.
type Descriptor struct {
	AudioDir              string
	ReferenceSegmentsFile string
	TeacherAudioDir       string // defaults to AudioDir
	ExternalResultsPath   string // optional scores JSON
	Include               []string
	Exclude               []string
}

// FromGlobals derives a descriptor from the experiment's global params.
func FromGlobals(g stack.GlobalParams) Descriptor {
	return Descriptor{
		AudioDir:            g.DataPath,
		ExternalResultsPath: g.ExternalResultsPath,
	}
}

// Dataset is the loaded utterance corpus, sorted by id and read-only for
// the rest of the run.
type Dataset struct {
	Utterances []stack.Utterance
}

// Load reads every admitted utterance under the descriptor. Utterances
// without reference segments are dropped with a warning; a `<id>_teacher.wav`
// next to `<id>.wav` becomes the teacher waveform, and external scores
// attach when the scores document has the id. Results are sorted by id.
func Load(fsys fsutil.FileSystem, desc Descriptor) (*Dataset, error) {
	if desc.AudioDir == "" {
		return nil, fmt.Errorf("dataset: audio directory not set")
	}

	refPath := desc.ReferenceSegmentsFile
	if refPath == "" {
		refPath = filepath.Join(desc.AudioDir, DefaultReferenceFile)
	}
	refs, err := loadReferenceSegments(fsys, refPath)
	if err != nil {
		return nil, err
	}

	scores := map[string]float64{}
	if desc.ExternalResultsPath != "" {
		if scores, err = loadScores(fsys, desc.ExternalResultsPath); err != nil {
			return nil, err
		}
	}

	teacherDir := desc.TeacherAudioDir
	if teacherDir == "" {
		teacherDir = desc.AudioDir
	}

	names, err := listWAVs(fsys, desc)
	if err != nil {
		return nil, err
	}

	var utts []stack.Utterance
	for _, name := range names {
		id := strings.TrimSuffix(name, ".wav")

		ref, ok := refs[id]
		if !ok {
			log.Printf("[dataset] skipping %s: no reference segments", id)
			continue
		}

		audio, err := ReadWAV(fsys, filepath.Join(desc.AudioDir, name))
		if err != nil {
			return nil, fmt.Errorf("dataset: %s: %w", name, err)
		}
		if err := ref.Validate(audio.Duration()); err != nil {
			return nil, fmt.Errorf("dataset: reference segments for %s: %w", id, err)
		}

		utt := stack.Utterance{ID: id, Audio: audio, Reference: ref}

		teacherPath := filepath.Join(teacherDir, id+"_teacher.wav")
		if fsys.Exists(teacherPath) {
			teacher, err := ReadWAV(fsys, teacherPath)
			if err != nil {
				return nil, fmt.Errorf("dataset: %s: %w", teacherPath, err)
			}
			utt.Teacher = &teacher
		}

		if s, ok := scores[id]; ok {
			v := s
			utt.Score = &v
		}

		utts = append(utts, utt)
	}

	if len(utts) == 0 {
		return nil, fmt.Errorf("dataset: no usable utterances in %s", desc.AudioDir)
	}
	return &Dataset{Utterances: utts}, nil
}

// listWAVs returns the admitted WAV base names in sorted order. Teacher
// recordings never enter the main set.
func listWAVs(fsys fsutil.FileSystem, desc Descriptor) ([]string, error) {
	entries, err := fsys.ReadDir(desc.AudioDir)
	if err != nil {
		return nil, fmt.Errorf("dataset: read audio dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".wav") {
			continue
		}
		if strings.HasSuffix(strings.TrimSuffix(name, ".wav"), "_teacher") {
			continue
		}

		admitted := len(desc.Include) == 0
		if !admitted {
			var err error
			if admitted, err = matchAny(desc.Include, name); err != nil {
				return nil, err
			}
		}
		excluded, err := matchAny(desc.Exclude, name)
		if err != nil {
			return nil, err
		}
		if admitted && !excluded {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// matchAny reports whether any pattern matches the base name.
func matchAny(patterns []string, name string) (bool, error) {
	for _, p := range patterns {
		ok, err := path.Match(p, name)
		if err != nil {
			return false, fmt.Errorf("dataset: bad pattern %q: %w", p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// loadReferenceSegments parses the id -> [[start,end],...] document.
func loadReferenceSegments(fsys fsutil.FileSystem, path string) (map[string]stack.SegmentSet, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: read reference segments: %w", err)
	}
	var raw map[string][][2]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("dataset: parse %s: %w", path, err)
	}
	out := make(map[string]stack.SegmentSet, len(raw))
	for id, pairs := range raw {
		set := make(stack.SegmentSet, len(pairs))
		for i, p := range pairs {
			set[i] = stack.Segment{Start: p[0], End: p[1]}
		}
		out[id] = set
	}
	return out, nil
}

// loadScores parses the id -> score document.
func loadScores(fsys fsutil.FileSystem, path string) (map[string]float64, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: read scores: %w", err)
	}
	var out map[string]float64
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("dataset: parse %s: %w", path, err)
	}
	return out, nil
}

// Len returns the utterance count.
func (d *Dataset) Len() int {
	return len(d.Utterances)
}

// IDs returns the utterance ids in order.
func (d *Dataset) IDs() []string {
	ids := make([]string, len(d.Utterances))
	for i, u := range d.Utterances {
		ids[i] = u.ID
	}
	return ids
}

// ByID indexes utterances for fold lookups.
func (d *Dataset) ByID() map[string]stack.Utterance {
	m := make(map[string]stack.Utterance, len(d.Utterances))
	for _, u := range d.Utterances {
		m[u.ID] = u
	}
	return m
}
