package report

import (
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveResidualPlot writes a PNG of the per-measurement residuals (log10) to
// path. Inliers and outliers are drawn as separate scatters. Requires a run
// with residual and inlier retention enabled.
func (d *Data) SaveResidualPlot(path string) error {
	if len(d.Residuals) == 0 {
		return fmt.Errorf("no residuals retained; enable computeAndKeepResiduals")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Calibration residuals (%s)", d.Method)
	p.X.Label.Text = "measurement"
	p.Y.Label.Text = "log10 residual (m/s²)"

	inl := make(plotter.XYs, 0, len(d.Residuals))
	outl := make(plotter.XYs, 0)
	for i, r := range d.Residuals {
		if r <= 0 {
			r = 1e-300
		}
		pt := plotter.XY{X: float64(i), Y: math.Log10(r)}
		if i < len(d.Inliers) && d.Inliers[i] {
			inl = append(inl, pt)
		} else {
			outl = append(outl, pt)
		}
	}

	inlScatter, err := plotter.NewScatter(inl)
	if err != nil {
		return fmt.Errorf("build inlier scatter: %w", err)
	}
	inlScatter.Radius = vg.Points(1.5)
	p.Add(inlScatter)
	p.Legend.Add("inliers", inlScatter)

	if len(outl) > 0 {
		outScatter, err := plotter.NewScatter(outl)
		if err != nil {
			return fmt.Errorf("build outlier scatter: %w", err)
		}
		outScatter.Radius = vg.Points(1.5)
		outScatter.Color = plotter.DefaultLineStyle.Color
		p.Add(outScatter)
		p.Legend.Add("outliers", outScatter)
	}

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save residual plot: %w", err)
	}
	return nil
}
