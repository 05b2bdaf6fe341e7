// Package config loads and validates the experiment document: global
// acoustic parameters, execution settings, stack definitions, and the
// evaluation plan. All validation happens at load time, before any stage
// executes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pronlab/stackbench/internal/stack"
)

// DefaultStacksPath is the conventional location of the experiment document.
const DefaultStacksPath = "config/stacks.yaml"

// Default evaluation metric sets, used when the document omits them.
var (
	DefaultSegmentationMetrics = []string{
		"rmse", "dtw_distance", "segment_length_bias",
		"feature_retention_rate", "silence_false_alarm_rate",
	}
	DefaultScoringMetrics = []string{
		"pearson_correlation", "spearman_correlation", "mae",
		"scoring_bias", "r2",
	}
)

// knownSegmentationMetrics and knownScoringMetrics gate metric names at
// validation time so typos fail before a run starts.
var knownSegmentationMetrics = map[string]bool{
	"rmse":                     true,
	"dtw_distance":             true,
	"segment_length_bias":      true,
	"feature_retention_rate":   true,
	"silence_false_alarm_rate": true,
}

var knownScoringMetrics = map[string]bool{
	"pearson_correlation":        true,
	"spearman_correlation":       true,
	"mae":                        true,
	"scoring_bias":               true,
	"r2":                         true,
	"classification_consistency": true,
}

// requiredParams lists method parameters that have no sensible default and
// must be present in the document. Checked during validation so a missing
// value fails before any utterance is processed.
var requiredParams = map[stack.StageKind]map[string][]string{
	stack.StageAlignment: {
		"external": {"command"},
	},
}

// ExecutionConfig carries engine tuning knobs. Fields are pointers so a
// partial document keeps the defaults; read them through the Get methods.
type ExecutionConfig struct {
	Workers           *int     `yaml:"workers,omitempty"`
	AlignTimeout      *string  `yaml:"align_timeout,omitempty"` // duration string like "30s"
	DegradedThreshold *float64 `yaml:"degraded_threshold,omitempty"`
	Seed              *int64   `yaml:"seed,omitempty"`
}

// GetWorkers returns the per-fold worker pool size or the default.
func (c *ExecutionConfig) GetWorkers() int {
	if c.Workers == nil || *c.Workers < 1 {
		return 4
	}
	return *c.Workers
}

// GetAlignTimeout parses and returns the external-tool timeout or the default.
func (c *ExecutionConfig) GetAlignTimeout() time.Duration {
	if c.AlignTimeout == nil || *c.AlignTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(*c.AlignTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetDegradedThreshold returns the exclusion rate above which a stack/fold
// is flagged degraded, or the default.
func (c *ExecutionConfig) GetDegradedThreshold() float64 {
	if c.DegradedThreshold == nil {
		return 0.2
	}
	return *c.DegradedThreshold
}

// GetSeed returns the fold-shuffle and scoring seed or the default.
func (c *ExecutionConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 42
	}
	return *c.Seed
}

// EvaluationPlan selects which metrics a run computes and how scores are
// banded into discrete grades.
type EvaluationPlan struct {
	SegmentationMetrics []string           `yaml:"segmentation_metrics"`
	ScoringMetrics      []string           `yaml:"scoring_metrics"`
	ScoreThresholds     map[string]float64 `yaml:"score_thresholds"` // grade name -> lower bound
	Visualization       []string           `yaml:"visualization"`
}

// WantsMetric reports whether the plan requests the named scoring metric.
func (p *EvaluationPlan) WantsMetric(name string) bool {
	for _, m := range p.ScoringMetrics {
		if m == name {
			return true
		}
	}
	return false
}

// ExperimentConfig is the fully parsed, validated experiment document.
// Stacks are held in id order for deterministic execution.
type ExperimentConfig struct {
	Global     stack.GlobalParams
	Execution  ExecutionConfig
	Stacks     []stack.StackDefinition
	Evaluation EvaluationPlan
}

// Stack returns the definition with the given id.
func (c *ExperimentConfig) Stack(id string) (stack.StackDefinition, bool) {
	for _, s := range c.Stacks {
		if s.ID == id {
			return s, true
		}
	}
	return stack.StackDefinition{}, false
}

// document mirrors the raw YAML shape before normalization.
type document struct {
	Global     globalDoc           `yaml:"global"`
	Execution  ExecutionConfig     `yaml:"execution"`
	Stacks     map[string]stackDoc `yaml:"stacks"`
	Evaluation EvaluationPlan      `yaml:"evaluation"`
}

type globalDoc struct {
	SampleRate          *int     `yaml:"sampling_rate"`
	BitDepth            *int     `yaml:"bit_depth"`
	WindowSize          *float64 `yaml:"window_size"`
	HopLength           *float64 `yaml:"hop_length"`
	Preemphasis         *float64 `yaml:"preemphasis"`
	DataPath            string   `yaml:"data_path"`
	OutputPath          string   `yaml:"output_path"`
	ExternalResultsPath string   `yaml:"external_results_path"`
	CVFolds             *int     `yaml:"cv_folds"`
}

type stackDoc struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	VAD         *methodDoc     `yaml:"vad"`
	Features    methodListDoc  `yaml:"features"`
	Alignment   methodListDoc  `yaml:"alignment"`
	Scoring     *methodDoc     `yaml:"scoring"`
}

type methodDoc struct {
	Method *string        `yaml:"method"`
	Params map[string]any `yaml:"params"`
}

// methodListDoc accepts either a single mapping or a sequence of mappings,
// normalizing both into an ordered list so downstream code never
// special-cases arity.
type methodListDoc []methodDoc

// UnmarshalYAML implements the single-or-list normalization.
func (m *methodListDoc) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []methodDoc
		if err := node.Decode(&list); err != nil {
			return err
		}
		*m = list
	case yaml.MappingNode:
		var one methodDoc
		if err := node.Decode(&one); err != nil {
			return err
		}
		*m = methodListDoc{one}
	default:
		// Explicit null or absent: an empty list.
		*m = nil
	}
	return nil
}

// Load reads, parses, and structurally validates an experiment document.
// Method-name resolution against a registry happens in Validate, which
// callers run before executing anything.
func Load(path string) (*ExperimentConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("experiment document must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat experiment document: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("experiment document too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment document: %w", err)
	}

	return Parse(data)
}

// Parse builds an ExperimentConfig from raw YAML bytes.
func Parse(data []byte) (*ExperimentConfig, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &stack.ConfigError{Detail: fmt.Sprintf("parse: %v", err)}
	}

	cfg := &ExperimentConfig{
		Global:     doc.Global.resolve(),
		Execution:  doc.Execution,
		Evaluation: doc.Evaluation,
	}

	if len(cfg.Evaluation.SegmentationMetrics) == 0 {
		cfg.Evaluation.SegmentationMetrics = append([]string(nil), DefaultSegmentationMetrics...)
	}
	if len(cfg.Evaluation.ScoringMetrics) == 0 {
		cfg.Evaluation.ScoringMetrics = append([]string(nil), DefaultScoringMetrics...)
	}

	if len(doc.Stacks) == 0 {
		return nil, &stack.ConfigError{Detail: "no stacks defined"}
	}

	ids := make([]string, 0, len(doc.Stacks))
	for id := range doc.Stacks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		def, err := doc.Stacks[id].resolve(id)
		if err != nil {
			return nil, err
		}
		cfg.Stacks = append(cfg.Stacks, def)
	}

	if err := cfg.validateStructure(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad loads the document or panics. Intended for test setup.
func MustLoad(path string) *ExperimentConfig {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("cannot load experiment document %s: %v", path, err))
	}
	return cfg
}

// resolve applies defaults for omitted global fields.
func (g globalDoc) resolve() stack.GlobalParams {
	params := stack.GlobalParams{
		SampleRate:          16000,
		BitDepth:            16,
		WindowSize:          0.025,
		HopLength:           0.010,
		Preemphasis:         0.97,
		DataPath:            g.DataPath,
		OutputPath:          g.OutputPath,
		ExternalResultsPath: g.ExternalResultsPath,
		CVFolds:             5,
	}
	if g.SampleRate != nil {
		params.SampleRate = *g.SampleRate
	}
	if g.BitDepth != nil {
		params.BitDepth = *g.BitDepth
	}
	if g.WindowSize != nil {
		params.WindowSize = *g.WindowSize
	}
	if g.HopLength != nil {
		params.HopLength = *g.HopLength
	}
	if g.Preemphasis != nil {
		params.Preemphasis = *g.Preemphasis
	}
	if g.CVFolds != nil {
		params.CVFolds = *g.CVFolds
	}
	return params
}

// resolve converts one raw stack entry into an immutable definition.
func (s stackDoc) resolve(id string) (stack.StackDefinition, error) {
	def := stack.StackDefinition{
		ID:          id,
		Name:        s.Name,
		Description: s.Description,
	}
	if def.Name == "" {
		def.Name = id
	}

	def.VAD = s.VAD.toSpec()
	def.Scoring = s.Scoring.toSpec()

	for i, m := range s.Features {
		spec := (&m).toSpec()
		if spec.Null() {
			return def, &stack.ConfigError{Stack: id, Detail: fmt.Sprintf("features[%d] has no method name", i)}
		}
		def.Features = append(def.Features, spec)
	}

	for i, m := range s.Alignment {
		spec := (&m).toSpec()
		if spec.Null() {
			return def, &stack.ConfigError{Stack: id, Detail: fmt.Sprintf("alignment[%d] has no method name", i)}
		}
		def.Alignment = append(def.Alignment, spec)
	}

	return def, nil
}

// toSpec converts a raw method entry; a nil entry or null method name means
// the stage is disabled.
func (m *methodDoc) toSpec() stack.MethodSpec {
	if m == nil || m.Method == nil || *m.Method == "" {
		return stack.MethodSpec{}
	}
	return stack.MethodSpec{Method: *m.Method, Params: stack.Params(m.Params)}
}

// validateStructure enforces every constraint that does not need a
// registry: global ranges, per-stack arity rules, metric names, threshold
// presence.
func (c *ExperimentConfig) validateStructure() error {
	if c.Global.CVFolds < 2 {
		return &stack.ConfigError{Detail: fmt.Sprintf("cv_folds must be at least 2, got %d", c.Global.CVFolds)}
	}
	if c.Global.SampleRate <= 0 {
		return &stack.ConfigError{Detail: fmt.Sprintf("sampling_rate must be positive, got %d", c.Global.SampleRate)}
	}
	if c.Global.WindowSize <= 0 || c.Global.HopLength <= 0 {
		return &stack.ConfigError{Detail: "window_size and hop_length must be positive"}
	}

	seen := make(map[string]bool, len(c.Stacks))
	for _, def := range c.Stacks {
		if def.ID == "" {
			return &stack.ConfigError{Detail: "stack with empty id"}
		}
		if seen[def.ID] {
			return &stack.ConfigError{Stack: def.ID, Detail: "duplicate stack id"}
		}
		seen[def.ID] = true

		if len(def.Alignment) == 0 {
			return &stack.ConfigError{Stack: def.ID, Detail: "alignment requires at least one method"}
		}
		if !def.Scoring.Null() && len(def.Features) == 0 {
			return &stack.PipelineConfigError{Stack: def.ID, Detail: "scoring is active but no feature extractors are configured"}
		}
	}

	for _, m := range c.Evaluation.SegmentationMetrics {
		if !knownSegmentationMetrics[m] {
			return &stack.ConfigError{Detail: fmt.Sprintf("unknown segmentation metric %q", m)}
		}
	}
	for _, m := range c.Evaluation.ScoringMetrics {
		if !knownScoringMetrics[m] {
			return &stack.ConfigError{Detail: fmt.Sprintf("unknown scoring metric %q", m)}
		}
	}
	if c.Evaluation.WantsMetric("classification_consistency") && len(c.Evaluation.ScoreThresholds) == 0 {
		return &stack.ConfigError{Detail: "classification_consistency requires evaluation.score_thresholds"}
	}

	return nil
}

// Validate resolves every method name against the registry and checks
// required parameters. Run this after Load, before executing anything.
func (c *ExperimentConfig) Validate(reg *stack.CapabilityRegistry) error {
	for _, def := range c.Stacks {
		if !def.VAD.Null() && !reg.Has(stack.StageVAD, def.VAD.Method) {
			return c.unknownMethod(def.ID, stack.StageVAD, def.VAD.Method)
		}
		for _, spec := range def.Features {
			if !reg.Has(stack.StageFeature, spec.Method) {
				return c.unknownMethod(def.ID, stack.StageFeature, spec.Method)
			}
		}
		for _, spec := range def.Alignment {
			if !reg.Has(stack.StageAlignment, spec.Method) {
				return c.unknownMethod(def.ID, stack.StageAlignment, spec.Method)
			}
			if err := checkRequiredParams(def.ID, stack.StageAlignment, spec); err != nil {
				return err
			}
		}
		if !def.Scoring.Null() && !reg.Has(stack.StageScoring, def.Scoring.Method) {
			return c.unknownMethod(def.ID, stack.StageScoring, def.Scoring.Method)
		}
	}
	return nil
}

func (c *ExperimentConfig) unknownMethod(stackID string, kind stack.StageKind, method string) error {
	return &stack.ConfigError{
		Stack:  stackID,
		Detail: (&stack.UnknownMethodError{Kind: kind, Method: method}).Error(),
	}
}

func checkRequiredParams(stackID string, kind stack.StageKind, spec stack.MethodSpec) error {
	required := requiredParams[kind][spec.Method]
	for _, key := range required {
		if _, ok := spec.Params[key]; !ok {
			return &stack.ConfigError{
				Stack:  stackID,
				Detail: fmt.Sprintf("%s method %q requires parameter %q", kind, spec.Method, key),
			}
		}
	}
	return nil
}
