// Package report renders calibration run reports: an interactive HTML page
// built with go-echarts, and a PNG residual plot for environments without a
// browser.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/accelcal/internal/accel"
)

// Data is everything a report needs from a finished calibration run. The
// residuals and inlier mask come from a session run with
// computeAndKeepInliers/computeAndKeepResiduals enabled.
type Data struct {
	Method      accel.Method
	CommonAxis  bool
	Threshold   float64
	GravityNorm float64

	Ma        [3][3]float64
	MSE       float64
	ChiSquare float64

	Residuals []float64
	Inliers   []bool
}

// FromCalibrator assembles report data from a successfully calibrated
// session. Residual and inlier charts are omitted when retention was
// disabled on the session.
func FromCalibrator(cal *accel.Calibrator) (*Data, error) {
	ma := cal.EstimatedMa()
	if ma == nil {
		return nil, fmt.Errorf("calibrator has no estimated result")
	}
	g, _ := cal.GroundTruthGravityNorm()
	d := &Data{
		Method:      cal.Method(),
		CommonAxis:  cal.CommonAxisUsed(),
		Threshold:   cal.Threshold(),
		GravityNorm: g,
		MSE:         cal.EstimatedMSE(),
		ChiSquare:   cal.EstimatedChiSq(),
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d.Ma[i][j] = ma.At(i, j)
		}
	}
	if inl := cal.InliersData(); inl != nil {
		d.Residuals = inl.Residuals()
		d.Inliers = inl.Mask()
	}
	return d, nil
}

// WriteHTML renders the report page: a residual scatter split into inlier
// and outlier series, a residual histogram, and the fit summary in the page
// title.
func (d *Data) WriteHTML(w io.Writer) error {
	page := components.NewPage()
	page.PageTitle = "Accelerometer Calibration Report"

	if len(d.Residuals) > 0 {
		page.AddCharts(d.residualScatter(), d.residualHistogram())
	}
	page.AddCharts(d.maBar())

	if err := page.Render(w); err != nil {
		return fmt.Errorf("render report page: %w", err)
	}
	return nil
}

// residualScatter plots the per-measurement residual against measurement
// index, inliers and outliers as separate series so the consensus split is
// visible at a glance.
func (d *Data) residualScatter() components.Charter {
	inl := make([]opts.ScatterData, 0, len(d.Residuals))
	outl := make([]opts.ScatterData, 0)
	for i, r := range d.Residuals {
		pt := opts.ScatterData{Value: []interface{}{i, r}}
		if i < len(d.Inliers) && d.Inliers[i] {
			inl = append(inl, pt)
		} else {
			outl = append(outl, pt)
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Residuals vs gravity norm",
			Subtitle: fmt.Sprintf("method=%s threshold=%.3g |g|=%.5f m/s²", d.Method, d.Threshold, d.GravityNorm),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "measurement"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "residual (m/s²)", Type: "log"}),
	)
	scatter.AddSeries("inliers", inl, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("outliers", outl, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	return scatter
}

// residualHistogram bins the residual distribution on a log10 scale; with
// gross outliers present the inlier and outlier populations separate into
// two clearly distinct modes.
func (d *Data) residualHistogram() components.Charter {
	labels, counts := logHistogram(d.Residuals, 30)

	data := make([]opts.BarData, len(counts))
	for i, c := range counts {
		data[i] = opts.BarData{Value: c}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Residual distribution (log10 bins)"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "log10 residual"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "count"}),
	)
	bar.SetXAxis(labels)
	bar.AddSeries("measurements", data)
	return bar
}

// maBar shows the nine Ma entries, the quickest way to eyeball scale
// factors against cross couplings.
func (d *Data) maBar() components.Charter {
	labels := []string{"sx", "sy", "sz", "mxy", "mxz", "myx", "myz", "mzx", "mzy"}
	values := []float64{
		d.Ma[0][0], d.Ma[1][1], d.Ma[2][2],
		d.Ma[0][1], d.Ma[0][2],
		d.Ma[1][0], d.Ma[1][2],
		d.Ma[2][0], d.Ma[2][1],
	}
	data := make([]opts.BarData, len(values))
	for i, v := range values {
		data[i] = opts.BarData{Value: v}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Estimated Ma",
			Subtitle: fmt.Sprintf("MSE=%.3g chi²=%.3g common_axis=%v", d.MSE, d.ChiSquare, d.CommonAxis),
		}),
		charts.WithYAxisOpts(opts.YAxis{Name: "value"}),
	)
	bar.SetXAxis(labels)
	bar.AddSeries("Ma entries", data)
	return bar
}

// logHistogram bins values by log10 magnitude. Zero or negative values are
// clamped to the smallest bin.
func logHistogram(values []float64, bins int) (labels []string, counts []int) {
	if len(values) == 0 || bins <= 0 {
		return nil, nil
	}

	logs := make([]float64, len(values))
	for i, v := range values {
		if v <= 0 {
			v = 1e-300
		}
		logs[i] = math.Log10(v)
	}
	sorted := append([]float64(nil), logs...)
	sort.Float64s(sorted)
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi == lo {
		hi = lo + 1
	}
	width := (hi - lo) / float64(bins)

	counts = make([]int, bins)
	for _, l := range logs {
		b := int((l - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		if b < 0 {
			b = 0
		}
		counts[b]++
	}
	labels = make([]string, bins)
	for i := range labels {
		labels[i] = fmt.Sprintf("%.1f", lo+(float64(i)+0.5)*width)
	}
	return labels, counts
}
