// Package methods provides the built-in stage implementations: energy and
// adaptive VAD, MFCC and energy-statistics feature extraction, DTW, snap
// and external-tool alignment, and ridge and forest scoring. All tunables
// arrive through MethodSpec params with defaults matching the shipped
// example document.
package methods

import (
	"github.com/pronlab/stackbench/internal/stack"
)

// RegisterBuiltins installs every built-in method into the registry.
func RegisterBuiltins(reg *stack.CapabilityRegistry) error {
	vads := map[string]stack.Detector{
		"energy":   stack.DetectorFunc(energyVAD),
		"adaptive": stack.DetectorFunc(adaptiveVAD),
	}
	for name, d := range vads {
		if err := reg.RegisterVAD(name, d); err != nil {
			return err
		}
	}

	features := map[string]stack.Extractor{
		"mfcc":         stack.ExtractorFunc(extractMFCC),
		"energy_stats": stack.ExtractorFunc(extractEnergyStats),
	}
	for name, x := range features {
		if err := reg.RegisterFeature(name, x); err != nil {
			return err
		}
	}

	aligners := map[string]stack.Aligner{
		"dtw":      stack.AlignerFunc(alignDTW),
		"snap":     stack.AlignerFunc(alignSnap),
		"external": stack.AlignerFunc(alignExternal),
	}
	for name, a := range aligners {
		if err := reg.RegisterAlignment(name, a); err != nil {
			return err
		}
	}

	scorers := map[string]stack.Scorer{
		"linear": ridgeScorer{},
		"forest": forestScorer{},
	}
	for name, s := range scorers {
		if err := reg.RegisterScoring(name, s); err != nil {
			return err
		}
	}

	return nil
}
