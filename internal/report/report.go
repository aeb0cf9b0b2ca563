// Package report turns SNR observations into summaries, PNG plots and
// HTML charts.
package report

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/snr"
)

// ErrNoSamples is returned when there is nothing to summarise or draw.
var ErrNoSamples = errors.New("no snr samples")

// Series is one named set of samples, for example the transmit sectors a
// station measured toward one peer.
type Series struct {
	Name    string
	Samples []snr.Sample
}

// Summary describes the spread of one series.
type Summary struct {
	Count  int
	Best   dmg.AntennaConfiguration
	BestDB float64
	MeanDB float64
	// StdDevDB is the sample standard deviation, zero for a single sample.
	StdDevDB float64
	MedianDB float64
}

// Summarize computes a Summary. The best configuration is the first one
// holding the maximum SNR.
func Summarize(samples []snr.Sample) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrNoSamples
	}
	values := make([]float64, len(samples))
	best := samples[0]
	for i, s := range samples {
		values[i] = s.SNR
		if s.SNR > best.SNR {
			best = s
		}
	}
	sum := Summary{Count: len(samples), Best: best.Config, BestDB: best.SNR}
	if len(values) == 1 {
		sum.MeanDB = values[0]
	} else {
		sum.MeanDB, sum.StdDevDB = stat.MeanStdDev(values, nil)
	}
	sort.Float64s(values)
	sum.MedianDB = stat.Quantile(0.5, stat.Empirical, values, nil)
	return sum, nil
}

func configLabel(c dmg.AntennaConfiguration) string {
	return fmt.Sprintf("A%d/S%d", c.Antenna, c.Sector)
}

// axis returns the configurations of all series in first-seen order and
// the index of each.
func axis(series []Series) ([]string, map[dmg.AntennaConfiguration]int) {
	var labels []string
	index := make(map[dmg.AntennaConfiguration]int)
	for _, s := range series {
		for _, sample := range s.Samples {
			if _, ok := index[sample.Config]; ok {
				continue
			}
			index[sample.Config] = len(labels)
			labels = append(labels, configLabel(sample.Config))
		}
	}
	return labels, index
}

// PlotSectorSNR writes a scatter plot of SNR per antenna configuration to
// path. The image format follows the file extension (.png, .svg, .pdf).
func PlotSectorSNR(path, title string, series ...Series) error {
	labels, index := axis(series)
	if len(labels) == 0 {
		return ErrNoSamples
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Antenna / sector"
	p.Y.Label.Text = "SNR (dB)"
	p.NominalX(labels...)

	for i, s := range series {
		if len(s.Samples) == 0 {
			continue
		}
		pts := make(plotter.XYs, 0, len(s.Samples))
		for _, sample := range s.Samples {
			pts = append(pts, plotter.XY{X: float64(index[sample.Config]), Y: sample.SNR})
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return fmt.Errorf("failed to create scatter for %s: %w", s.Name, err)
		}
		sc.GlyphStyle.Color = plotutil.Color(i)
		sc.GlyphStyle.Shape = plotutil.Shape(i)
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add(s.Name, sc)
	}
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	width := vg.Length(len(labels))*vg.Centimeter/2 + 4*vg.Inch
	if err := p.Save(width, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}

// RenderSectorChart writes an HTML page with a bar chart of SNR per
// antenna configuration, one bar series per input series.
func RenderSectorChart(w io.Writer, title string, series ...Series) error {
	labels, index := axis(series)
	if len(labels) == 0 {
		return ErrNoSamples
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("configurations=%d", len(labels))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "SNR (dB)"}),
	)
	bar.SetXAxis(labels)
	for _, s := range series {
		data := make([]opts.BarData, len(labels))
		for i := range data {
			// ECharts leaves "-" entries empty.
			data[i] = opts.BarData{Value: "-"}
		}
		for _, sample := range s.Samples {
			data[index[sample.Config]] = opts.BarData{Value: sample.SNR}
		}
		bar.AddSeries(s.Name, data)
	}

	page := components.NewPage()
	page.AddCharts(bar)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}
