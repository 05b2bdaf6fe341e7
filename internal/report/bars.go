package report

import (
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/pronlab/stackbench/internal/stack"
)

// writeBars renders the rank metric's mean as one bar per stack. Stacks
// whose cell never produced a finite fold are left out; when that leaves
// nothing to draw the file is skipped.
func (w *Writer) writeBars(table *stack.ComparisonTable) error {
	var names []string
	var values plotter.Values
	for _, id := range table.Stacks {
		c, ok := usableCell(table, id, w.metric)
		if !ok {
			continue
		}
		names = append(names, id)
		values = append(values, c.Mean)
	}
	if len(values) == 0 {
		w.logger.Printf("[report] no finite %s cells; skipping %s", w.metric, BarsFile)
		return nil
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Mean %s by stack", w.metric)
	p.Y.Label.Text = w.metric
	p.X.Label.Text = "stack"

	bars, err := plotter.NewBarChart(values, vg.Points(40))
	if err != nil {
		return err
	}
	bars.LineStyle.Width = vg.Length(0)
	bars.Color = color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 255}
	p.Add(bars)
	p.NominalX(names...)

	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return err
	}

	path := filepath.Join(w.outDir, BarsFile)
	f, err := w.fs.Create(path)
	if err != nil {
		return err
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	w.logger.Printf("[report] wrote %s", path)
	return nil
}
