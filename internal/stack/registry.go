package stack

import (
	"context"
	"sort"
	"sync"
)

// StageKind identifies one of the four pipeline stages a method can be
// registered for.
type StageKind string

const (
	StageVAD       StageKind = "vad"
	StageFeature   StageKind = "feature"
	StageAlignment StageKind = "alignment"
	StageScoring   StageKind = "scoring"
)

// Detector is the capability interface for voice-activity detection.
type Detector interface {
	Detect(ctx context.Context, audio Waveform, params Params) (SegmentSet, error)
}

// Extractor is the capability interface for acoustic feature extraction.
// Implementations return one row per input segment.
type Extractor interface {
	Extract(ctx context.Context, audio Waveform, segs SegmentSet, params Params) (FeatureMatrix, error)
}

// Aligner is the capability interface for boundary alignment/refinement.
type Aligner interface {
	Align(ctx context.Context, candidate SegmentSet, feats FeatureMatrix, ref Reference, params Params) (AlignmentResult, error)
}

// Model is a fitted scoring model.
type Model interface {
	Predict(features []float64) (float64, error)
}

// Scorer is the capability interface for score-model training.
type Scorer interface {
	Fit(ctx context.Context, features [][]float64, labels []float64, params Params) (Model, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, audio Waveform, params Params) (SegmentSet, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, audio Waveform, params Params) (SegmentSet, error) {
	return f(ctx, audio, params)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, audio Waveform, segs SegmentSet, params Params) (FeatureMatrix, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, audio Waveform, segs SegmentSet, params Params) (FeatureMatrix, error) {
	return f(ctx, audio, segs, params)
}

// AlignerFunc adapts a function to the Aligner interface.
type AlignerFunc func(ctx context.Context, candidate SegmentSet, feats FeatureMatrix, ref Reference, params Params) (AlignmentResult, error)

// Align calls f.
func (f AlignerFunc) Align(ctx context.Context, candidate SegmentSet, feats FeatureMatrix, ref Reference, params Params) (AlignmentResult, error) {
	return f(ctx, candidate, feats, ref, params)
}

// CapabilityRegistry maps (stage kind, method name) to an implementation.
// It is populated once at process start, then read-only; reads are safe
// for concurrent use. One instance is constructed and passed explicitly to
// the executor and controller rather than looked up ambiently.
type CapabilityRegistry struct {
	mu         sync.RWMutex
	detectors  map[string]Detector
	extractors map[string]Extractor
	aligners   map[string]Aligner
	scorers    map[string]Scorer
}

// NewCapabilityRegistry creates an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{
		detectors:  make(map[string]Detector),
		extractors: make(map[string]Extractor),
		aligners:   make(map[string]Aligner),
		scorers:    make(map[string]Scorer),
	}
}

// RegisterVAD adds a detection method. A second registration of the same
// name fails with RegistrationError.
func (r *CapabilityRegistry) RegisterVAD(name string, d Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.detectors[name]; exists {
		return &RegistrationError{Kind: StageVAD, Method: name}
	}
	r.detectors[name] = d
	return nil
}

// RegisterFeature adds a feature extraction method.
func (r *CapabilityRegistry) RegisterFeature(name string, e Extractor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.extractors[name]; exists {
		return &RegistrationError{Kind: StageFeature, Method: name}
	}
	r.extractors[name] = e
	return nil
}

// RegisterAlignment adds an alignment method.
func (r *CapabilityRegistry) RegisterAlignment(name string, a Aligner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.aligners[name]; exists {
		return &RegistrationError{Kind: StageAlignment, Method: name}
	}
	r.aligners[name] = a
	return nil
}

// RegisterScoring adds a scoring method.
func (r *CapabilityRegistry) RegisterScoring(name string, s Scorer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scorers[name]; exists {
		return &RegistrationError{Kind: StageScoring, Method: name}
	}
	r.scorers[name] = s
	return nil
}

// VAD returns the named detection method or UnknownMethodError.
func (r *CapabilityRegistry) VAD(name string) (Detector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	if !ok {
		return nil, &UnknownMethodError{Kind: StageVAD, Method: name}
	}
	return d, nil
}

// Feature returns the named extraction method or UnknownMethodError.
func (r *CapabilityRegistry) Feature(name string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[name]
	if !ok {
		return nil, &UnknownMethodError{Kind: StageFeature, Method: name}
	}
	return e, nil
}

// Alignment returns the named alignment method or UnknownMethodError.
func (r *CapabilityRegistry) Alignment(name string) (Aligner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.aligners[name]
	if !ok {
		return nil, &UnknownMethodError{Kind: StageAlignment, Method: name}
	}
	return a, nil
}

// Scoring returns the named scoring method or UnknownMethodError.
func (r *CapabilityRegistry) Scoring(name string) (Scorer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scorers[name]
	if !ok {
		return nil, &UnknownMethodError{Kind: StageScoring, Method: name}
	}
	return s, nil
}

// Has reports whether a method name is registered for a stage kind.
func (r *CapabilityRegistry) Has(kind StageKind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case StageVAD:
		_, ok := r.detectors[name]
		return ok
	case StageFeature:
		_, ok := r.extractors[name]
		return ok
	case StageAlignment:
		_, ok := r.aligners[name]
		return ok
	case StageScoring:
		_, ok := r.scorers[name]
		return ok
	}
	return false
}

// Methods returns the registered method names for a stage kind, sorted
// alphabetically for deterministic output.
func (r *CapabilityRegistry) Methods(kind StageKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	switch kind {
	case StageVAD:
		for name := range r.detectors {
			names = append(names, name)
		}
	case StageFeature:
		for name := range r.extractors {
			names = append(names, name)
		}
	case StageAlignment:
		for name := range r.aligners {
			names = append(names, name)
		}
	case StageScoring:
		for name := range r.scorers {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
