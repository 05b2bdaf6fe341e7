package methods

import (
	"context"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/pronlab/stackbench/internal/stack"
)

// extractMFCC computes mel-frequency cepstral coefficients per segment:
// preemphasis, Hamming-windowed frames, FFT power spectrum, mel filterbank,
// log, DCT-II, optionally first and second order deltas, with the frame
// rows mean-pooled so each segment yields exactly one row. A segment too
// short for a single analysis window falls back to the utterance-level mean
// row, keeping row count equal to segment count.
func extractMFCC(_ context.Context, audio stack.Waveform, segs stack.SegmentSet, params stack.Params) (stack.FeatureMatrix, error) {
	cfg := newMFCCConfig(audio.SampleRate, params)

	rows := make([][]float64, 0, len(segs))
	var utteranceRow []float64 // computed lazily for short-segment fallback
	for _, seg := range segs {
		samples := sampleRange(audio, seg)
		row := cfg.segmentRow(samples)
		if row == nil {
			if utteranceRow == nil {
				utteranceRow = cfg.segmentRow(audio.Samples)
				if utteranceRow == nil {
					utteranceRow = make([]float64, cfg.dim())
				}
			}
			row = utteranceRow
		}
		rows = append(rows, row)
	}
	return stack.FeatureMatrix{Rows: rows, Dim: cfg.dim()}, nil
}

type mfccConfig struct {
	sampleRate int
	win, hop   int
	pre        float64
	nMFCC      int
	nMels      int
	delta      bool
	deltaDelta bool

	fft    *fourier.FFT
	window []float64   // Hamming
	mel    [][]float64 // nMels rows of FFT-bin weights
}

func newMFCCConfig(sampleRate int, params stack.Params) *mfccConfig {
	c := &mfccConfig{
		sampleRate: params.Int("sample_rate", sampleRate),
		pre:        params.Float("preemphasis", 0.97),
		nMFCC:      params.Int("n_mfcc", 13),
		nMels:      params.Int("n_mels", 26),
		delta:      params.Bool("include_delta", false),
		deltaDelta: params.Bool("include_delta_delta", false),
	}
	c.win = int(params.Float("window_size", 0.025) * float64(c.sampleRate))
	if c.win < 2 {
		c.win = 2
	}
	c.hop = int(params.Float("hop_length", 0.010) * float64(c.sampleRate))
	if c.hop < 1 {
		c.hop = 1
	}

	c.fft = fourier.NewFFT(c.win)
	c.window = make([]float64, c.win)
	for i := range c.window {
		c.window[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(c.win-1))
	}
	c.mel = melFilterbank(c.nMels, c.win, c.sampleRate)
	return c
}

func (c *mfccConfig) dim() int {
	d := c.nMFCC
	if c.delta {
		d += c.nMFCC
	}
	if c.deltaDelta {
		d += c.nMFCC
	}
	return d
}

// segmentRow turns a sample slice into one pooled feature row, or nil when
// the slice is shorter than a single analysis window.
func (c *mfccConfig) segmentRow(samples []float64) []float64 {
	base := c.frameCoefficients(samples)
	if len(base) == 0 {
		return nil
	}

	frames := base
	if c.delta {
		frames = appendColumns(frames, deltaFrames(base))
	}
	if c.deltaDelta {
		frames = appendColumns(frames, deltaFrames(deltaFrames(base)))
	}
	return meanPool(frames)
}

// frameCoefficients computes the per-frame cepstral rows for one slice.
func (c *mfccConfig) frameCoefficients(samples []float64) [][]float64 {
	if len(samples) < c.win {
		return nil
	}

	// Preemphasis over the whole slice before framing.
	emphasized := make([]float64, len(samples))
	emphasized[0] = samples[0]
	for i := 1; i < len(samples); i++ {
		emphasized[i] = samples[i] - c.pre*samples[i-1]
	}

	var rows [][]float64
	frame := make([]float64, c.win)
	for off := 0; off+c.win <= len(emphasized); off += c.hop {
		for i := range frame {
			frame[i] = emphasized[off+i] * c.window[i]
		}

		spectrum := c.fft.Coefficients(nil, frame)
		power := make([]float64, len(spectrum))
		for i, v := range spectrum {
			a := cmplx.Abs(v)
			power[i] = a * a
		}

		logMel := make([]float64, c.nMels)
		for m, weights := range c.mel {
			var e float64
			for k, w := range weights {
				e += w * power[k]
			}
			logMel[m] = math.Log(e + 1e-10)
		}

		rows = append(rows, dctII(logMel, c.nMFCC))
	}
	return rows
}

// melFilterbank builds nMels triangular filters over the win/2+1 FFT bins,
// spaced evenly on the mel scale up to Nyquist.
func melFilterbank(nMels, win, sampleRate int) [][]float64 {
	bins := win/2 + 1
	hzToMel := func(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
	melToHz := func(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

	maxMel := hzToMel(float64(sampleRate) / 2)
	centers := make([]float64, nMels+2)
	for i := range centers {
		hz := melToHz(maxMel * float64(i) / float64(nMels+1))
		centers[i] = hz * float64(win) / float64(sampleRate) // fractional bin
	}

	filters := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		w := make([]float64, bins)
		lo, mid, hi := centers[m], centers[m+1], centers[m+2]
		for k := 0; k < bins; k++ {
			f := float64(k)
			switch {
			case f > lo && f <= mid:
				w[k] = (f - lo) / (mid - lo)
			case f > mid && f < hi:
				w[k] = (hi - f) / (hi - mid)
			}
		}
		filters[m] = w
	}
	return filters
}

// dctII applies an orthonormal type-II DCT and keeps the first n
// coefficients.
func dctII(x []float64, n int) []float64 {
	m := len(x)
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var sum float64
		for i, v := range x {
			sum += v * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*float64(m)))
		}
		scale := math.Sqrt(2 / float64(m))
		if k == 0 {
			scale = math.Sqrt(1 / float64(m))
		}
		out[k] = scale * sum
	}
	return out
}

// deltaFrames is the framewise regression slope with a two-frame window,
// edge frames replicated.
func deltaFrames(rows [][]float64) [][]float64 {
	n := len(rows)
	out := make([][]float64, n)
	if n == 0 {
		return out
	}
	width := len(rows[0])

	at := func(i int) []float64 {
		if i < 0 {
			return rows[0]
		}
		if i >= n {
			return rows[n-1]
		}
		return rows[i]
	}

	const norm = 10 // 2 * (1^2 + 2^2)
	for t := 0; t < n; t++ {
		d := make([]float64, width)
		for j := 0; j < width; j++ {
			var sum float64
			for w := 1; w <= 2; w++ {
				sum += float64(w) * (at(t+w)[j] - at(t-w)[j])
			}
			d[j] = sum / norm
		}
		out[t] = d
	}
	return out
}

func appendColumns(left, right [][]float64) [][]float64 {
	out := make([][]float64, len(left))
	for i := range left {
		row := make([]float64, 0, len(left[i])+len(right[i]))
		row = append(row, left[i]...)
		row = append(row, right[i]...)
		out[i] = row
	}
	return out
}

func meanPool(rows [][]float64) []float64 {
	width := len(rows[0])
	mean := make([]float64, width)
	for _, row := range rows {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(len(rows))
	}
	return mean
}

// extractEnergyStats is the cheap baseline: per-segment RMS energy,
// zero-crossing rate, and duration.
func extractEnergyStats(_ context.Context, audio stack.Waveform, segs stack.SegmentSet, _ stack.Params) (stack.FeatureMatrix, error) {
	rows := make([][]float64, 0, len(segs))
	for _, seg := range segs {
		samples := sampleRange(audio, seg)

		var rms, zcr float64
		if len(samples) > 0 {
			var sum float64
			crossings := 0
			for i, s := range samples {
				sum += s * s
				if i > 0 && (s >= 0) != (samples[i-1] >= 0) {
					crossings++
				}
			}
			rms = math.Sqrt(sum / float64(len(samples)))
			if len(samples) > 1 {
				zcr = float64(crossings) / float64(len(samples)-1)
			}
		}
		rows = append(rows, []float64{rms, zcr, seg.Dur()})
	}
	return stack.FeatureMatrix{Rows: rows, Dim: 3}, nil
}

// sampleRange slices the waveform samples covered by a segment, clamped to
// the valid range.
func sampleRange(audio stack.Waveform, seg stack.Segment) []float64 {
	start := int(seg.Start * float64(audio.SampleRate))
	end := int(seg.End * float64(audio.SampleRate))
	if start < 0 {
		start = 0
	}
	if end > len(audio.Samples) {
		end = len(audio.Samples)
	}
	if end <= start {
		return nil
	}
	return audio.Samples[start:end]
}
