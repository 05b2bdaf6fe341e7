// Package dtw implements Sakoe–Chiba banded dynamic time warping over
// scalar sequences. The aligner uses the warp path to rewrite segment
// boundaries; the metrics engine uses the accumulated cost as a distance.
package dtw

import (
	"fmt"
	"math"
)

// Result is a completed warp: the accumulated cost and the index pairs of
// the optimal path from (0,0) to (len(a)-1, len(b)-1).
type Result struct {
	Cost float64
	Path [][2]int
}

// Window converts a band ratio into an index half-width for sequences of
// length n and m. The band is widened to |n-m| when necessary so the end
// corner stays reachable. A ratio <= 0 disables banding.
func Window(n, m int, ratio float64) int {
	if ratio <= 0 {
		return maxInt(n, m)
	}
	w := int(math.Ceil(ratio * float64(maxInt(n, m))))
	if d := absInt(n - m); w < d {
		w = d
	}
	return w
}

// Align warps a onto b under a Sakoe–Chiba band of the given half-width,
// using absolute difference as the local distance. slopePenalty is added
// for every non-diagonal step; zero means classic DTW.
func Align(a, b []float64, window int, slopePenalty float64) (Result, error) {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return Result{}, fmt.Errorf("dtw: empty sequence (len a=%d, len b=%d)", n, m)
	}
	if window < absInt(n-m) {
		window = absInt(n - m)
	}

	const inf = math.MaxFloat64
	cost := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, m)
		for j := range cost[i] {
			cost[i][j] = inf
		}
	}

	inBand := func(i, j int) bool { return absInt(i-j) <= window }

	cost[0][0] = math.Abs(a[0] - b[0])
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			if i == 0 && j == 0 || !inBand(i, j) {
				continue
			}
			best := inf
			if i > 0 && j > 0 && cost[i-1][j-1] < best {
				best = cost[i-1][j-1]
			}
			if i > 0 && cost[i-1][j]+slopePenalty < best {
				best = cost[i-1][j] + slopePenalty
			}
			if j > 0 && cost[i][j-1]+slopePenalty < best {
				best = cost[i][j-1] + slopePenalty
			}
			if best == inf {
				continue
			}
			cost[i][j] = math.Abs(a[i]-b[j]) + best
		}
	}

	if cost[n-1][m-1] == inf {
		return Result{}, fmt.Errorf("dtw: no path within band %d", window)
	}

	path := backtrack(cost, slopePenalty)
	return Result{Cost: cost[n-1][m-1], Path: path}, nil
}

// backtrack walks the cost matrix from the end corner to the origin,
// preferring the diagonal on ties.
func backtrack(cost [][]float64, slopePenalty float64) [][2]int {
	i, j := len(cost)-1, len(cost[0])-1
	path := [][2]int{{i, j}}
	for i > 0 || j > 0 {
		switch {
		case i == 0:
			j--
		case j == 0:
			i--
		default:
			diag, up, left := cost[i-1][j-1], cost[i-1][j]+slopePenalty, cost[i][j-1]+slopePenalty
			if diag <= up && diag <= left {
				i--
				j--
			} else if up <= left {
				i--
			} else {
				j--
			}
		}
		path = append(path, [2]int{i, j})
	}
	// Reverse into start-to-end order.
	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}
	return path
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
