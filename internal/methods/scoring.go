package methods

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/pronlab/stackbench/internal/stack"
)

// ridgeScorer fits a ridge regression by solving the normal equations
// (XᵀX + λI)w = Xᵀy with an unpenalized intercept. Fully deterministic:
// the same training set always yields the same weights.
type ridgeScorer struct{}

func (ridgeScorer) Fit(_ context.Context, features [][]float64, labels []float64, params stack.Params) (stack.Model, error) {
	n, d, err := checkTrainingSet(features, labels)
	if err != nil {
		return nil, err
	}
	lambda := params.Float("lambda", 1.0)

	// Design matrix with a leading bias column of ones.
	x := mat.NewDense(n, d+1, nil)
	for i, row := range features {
		x.Set(i, 0, 1)
		for j, v := range row {
			x.Set(i, j+1, v)
		}
	}
	y := mat.NewVecDense(n, labels)

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for j := 1; j <= d; j++ {
		xtx.Set(j, j, xtx.At(j, j)+lambda)
	}

	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	var w mat.VecDense
	if err := w.SolveVec(&xtx, &xty); err != nil {
		return nil, fmt.Errorf("solve ridge normal equations: %w", err)
	}

	weights := make([]float64, d)
	for j := range weights {
		weights[j] = w.AtVec(j + 1)
	}
	return &ridgeModel{bias: w.AtVec(0), weights: weights}, nil
}

type ridgeModel struct {
	bias    float64
	weights []float64
}

func (m *ridgeModel) Predict(features []float64) (float64, error) {
	if len(features) != len(m.weights) {
		return 0, fmt.Errorf("feature vector has %d dims, model fitted on %d", len(features), len(m.weights))
	}
	return m.bias + floats.Dot(m.weights, features), nil
}

// forestScorer fits a bag of regression stumps: each estimator trains on
// a bootstrap resample drawn from a rand source seeded by random_state,
// so a fixed seed reproduces the exact same ensemble. Predictions average
// over the stumps.
type forestScorer struct{}

func (forestScorer) Fit(_ context.Context, features [][]float64, labels []float64, params stack.Params) (stack.Model, error) {
	n, d, err := checkTrainingSet(features, labels)
	if err != nil {
		return nil, err
	}
	estimators := params.Int("n_estimators", 100)
	if estimators < 1 {
		estimators = 1
	}
	rng := rand.New(rand.NewSource(int64(params.Int("random_state", 42))))

	stumps := make([]stump, 0, estimators)
	bootFeatures := make([][]float64, n)
	bootLabels := make([]float64, n)
	for e := 0; e < estimators; e++ {
		for i := 0; i < n; i++ {
			k := rng.Intn(n)
			bootFeatures[i] = features[k]
			bootLabels[i] = labels[k]
		}
		stumps = append(stumps, fitStump(bootFeatures, bootLabels))
	}
	return &forestModel{dim: d, stumps: stumps}, nil
}

type forestModel struct {
	dim    int
	stumps []stump
}

func (m *forestModel) Predict(features []float64) (float64, error) {
	if len(features) != m.dim {
		return 0, fmt.Errorf("feature vector has %d dims, model fitted on %d", len(features), m.dim)
	}
	var sum float64
	for _, s := range m.stumps {
		sum += s.predict(features)
	}
	return sum / float64(len(m.stumps)), nil
}

// stump is a one-split regression tree. When no split lowers the squared
// error (e.g. every feature constant in the bootstrap) it degenerates to
// the sample mean.
type stump struct {
	split     bool
	feature   int
	threshold float64
	left      float64 // leaf mean for feature <= threshold
	right     float64
	mean      float64
}

func (s stump) predict(features []float64) float64 {
	if !s.split {
		return s.mean
	}
	if features[s.feature] <= s.threshold {
		return s.left
	}
	return s.right
}

// fitStump scans every feature for the threshold minimizing the two-leaf
// sum of squared errors. Thresholds are midpoints between adjacent
// distinct values in sort order.
func fitStump(features [][]float64, labels []float64) stump {
	n := len(labels)
	var sum, sumsq float64
	for _, y := range labels {
		sum += y
		sumsq += y * y
	}
	best := stump{mean: sum / float64(n)}
	bestSSE := sumsq - sum*sum/float64(n)

	d := len(features[0])
	order := make([]int, n)
	for j := 0; j < d; j++ {
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool { return features[order[a]][j] < features[order[b]][j] })

		var leftSum, leftSq float64
		for k := 1; k < n; k++ {
			y := labels[order[k-1]]
			leftSum += y
			leftSq += y * y

			lo, hi := features[order[k-1]][j], features[order[k]][j]
			if lo == hi {
				continue
			}
			rightSum := sum - leftSum
			rightSq := sumsq - leftSq
			sse := (leftSq - leftSum*leftSum/float64(k)) + (rightSq - rightSum*rightSum/float64(n-k))
			if sse < bestSSE-1e-12 {
				bestSSE = sse
				best = stump{
					split:     true,
					feature:   j,
					threshold: (lo + hi) / 2,
					left:      leftSum / float64(k),
					right:     rightSum / float64(n-k),
					mean:      sum / float64(n),
				}
			}
		}
	}
	return best
}

// checkTrainingSet validates shape: at least one example, matching label
// count, rectangular feature rows.
func checkTrainingSet(features [][]float64, labels []float64) (n, d int, err error) {
	n = len(features)
	if n == 0 {
		return 0, 0, fmt.Errorf("empty training set")
	}
	if len(labels) != n {
		return 0, 0, fmt.Errorf("%d feature rows but %d labels", n, len(labels))
	}
	d = len(features[0])
	if d == 0 {
		return 0, 0, fmt.Errorf("zero-width feature rows")
	}
	for i, row := range features {
		if len(row) != d {
			return 0, 0, fmt.Errorf("feature row %d has %d dims, want %d", i, len(row), d)
		}
	}
	return n, d, nil
}
