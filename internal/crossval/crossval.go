// Package crossval builds the cross-validation partition shared by every
// stack in a run. Folds are a pure function of the utterance id set, the
// fold count, and the seed, so reruns and per-stack comparisons see
// identical splits.
package crossval

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/pronlab/stackbench/internal/stack"
)

// Controller produces deterministic K-fold partitions.
type Controller struct {
	folds int
	seed  int64
}

// New returns a controller for the given fold count and shuffle seed.
func New(folds int, seed int64) (*Controller, error) {
	if folds < 2 {
		return nil, fmt.Errorf("crossval: fold count must be at least 2, got %d", folds)
	}
	return &Controller{folds: folds, seed: seed}, nil
}

// K returns the configured fold count.
func (c *Controller) K() int { return c.folds }

// Partition splits the utterance ids into K folds. The input order does not
// matter: ids are sorted before the seeded shuffle, then dealt round-robin
// into test sets, so any permutation of the same id set yields the same
// partition. Fold test sizes differ by at most one.
func (c *Controller) Partition(ids []string) ([]stack.Fold, error) {
	if len(ids) < c.folds {
		return nil, fmt.Errorf("crossval: %d utterances cannot fill %d folds", len(ids), c.folds)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("crossval: empty utterance id")
		}
		if seen[id] {
			return nil, fmt.Errorf("crossval: duplicate utterance id %q", id)
		}
		seen[id] = true
	}

	shuffled := make([]string, len(ids))
	copy(shuffled, ids)
	sort.Strings(shuffled)
	rng := rand.New(rand.NewSource(c.seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	assignment := make(map[string]int, len(shuffled))
	folds := make([]stack.Fold, c.folds)
	for i := range folds {
		folds[i].Index = i
	}
	for i, id := range shuffled {
		k := i % c.folds
		folds[k].TestIDs = append(folds[k].TestIDs, id)
		assignment[id] = k
	}
	for _, id := range shuffled {
		k := assignment[id]
		for f := range folds {
			if f != k {
				folds[f].TrainIDs = append(folds[f].TrainIDs, id)
			}
		}
	}

	return folds, nil
}
