package report

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/pronlab/stackbench/internal/experiment"
)

// seriesColors cycle across stacks in the scatter.
var seriesColors = []string{
	"#31688e", "#ff5252", "#35b779", "#b5de2b", "#482777",
	"#26828e", "#fde725", "#9e9e9e",
}

// writeScatter renders predicted vs. reference scores, one series per
// scoring stack in table order. Utterances with a NaN coordinate never
// enter a series; a run with no score pairs at all skips the file.
func (w *Writer) writeScatter(res *experiment.Result) error {
	type series struct {
		id   string
		data []opts.ScatterData
	}

	var all []series
	total := 0
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, id := range res.Table.Stacks {
		points := res.Scores[id]
		if len(points) == 0 {
			continue
		}
		data := make([]opts.ScatterData, 0, len(points))
		for _, p := range points {
			if math.IsNaN(p.Predicted) || math.IsNaN(p.Actual) {
				continue
			}
			data = append(data, opts.ScatterData{
				Name:  p.UtteranceID,
				Value: []interface{}{p.Actual, p.Predicted},
			})
			lo = math.Min(lo, math.Min(p.Actual, p.Predicted))
			hi = math.Max(hi, math.Max(p.Actual, p.Predicted))
		}
		if len(data) == 0 {
			continue
		}
		all = append(all, series{id: id, data: data})
		total += len(data)
	}

	if total == 0 {
		w.logger.Printf("[report] no scoring data; skipping %s", ScatterFile)
		return nil
	}

	pad := (hi - lo) * 0.05
	if pad == 0 {
		pad = 1.0
	}

	subtitle := fmt.Sprintf("%d scored utterances, %d stacks", total, len(all))
	if res.RunID != "" {
		subtitle = fmt.Sprintf("run %s, %s", res.RunID, subtitle)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Predicted vs. Reference Scores", Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Predicted vs. Reference Scores", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: lo - pad, Max: hi + pad, Name: "reference score", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: lo - pad, Max: hi + pad, Name: "predicted score", NameLocation: "middle", NameGap: 30}),
	)

	for i, s := range all {
		scatter.AddSeries(s.id, s.data,
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: seriesColors[i%len(seriesColors)]}),
		)
	}

	path := filepath.Join(w.outDir, ScatterFile)
	f, err := w.fs.Create(path)
	if err != nil {
		return err
	}
	if err := scatter.Render(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	w.logger.Printf("[report] wrote %s", path)
	return nil
}
