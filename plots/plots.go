// Package plots draws the training history as loss and accuracy curves.
package plots

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/jnb666/cifarnet/nnet"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/vgimg"
)

// Loss returns a plot of the loss for each data set against the epoch number
func Loss(stats []nnet.Stats, headers []string) (*plot.Plot, error) {
	return linePlot("loss", stats, headers, "loss", 1)
}

// Accuracy returns a plot of the accuracy as a percentage for each data set against the epoch number
func Accuracy(stats []nnet.Stats, headers []string) (*plot.Plot, error) {
	return linePlot("accuracy %", stats, headers, "accuracy", 100)
}

func linePlot(title string, stats []nnet.Stats, headers []string, suffix string, scale float64) (*plot.Plot, error) {
	p := newPlot(title)
	for i, name := range headers {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		l, err := newLine(stats, i, scale)
		if err != nil {
			return nil, err
		}
		p.Add(l)
		if name == suffix {
			name = "train " + name
		}
		p.Legend.Add(name+" ", l)
	}
	return p, nil
}

func newPlot(title string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font.Size = 10
	p.Y.Tick.Label.Font.Size = 10
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = 12
	p.Add(plotter.NewGrid())
	return p
}

func newLine(stats []nnet.Stats, ix int, scale float64) (lineFixed, error) {
	pts := make(plotter.XYs, 0, len(stats))
	xmax, ymax := 1.0, 0.0
	for _, s := range stats {
		if ix >= len(s.Values) {
			continue
		}
		pt := plotter.XY{X: float64(s.Epoch), Y: s.Values[ix] * scale}
		pts = append(pts, pt)
		xmax = max(xmax, pt.X)
		ymax = max(ymax, pt.Y)
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return lineFixed{}, errors.Wrap(err, "plot error")
	}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return lineFixed{Line: l, xmax: xmax, ymax: ymax}, nil
}

// plotter.Line with the axes starting from 0
type lineFixed struct {
	*plotter.Line
	xmax, ymax float64
}

func (l lineFixed) DataRange() (xmin, xmax, ymin, ymax float64) {
	return 1, l.xmax, 0, l.ymax
}

// SVG renders the plot for embedding in a web page, width and height are in pixels.
func SVG(p *plot.Plot, width, height int) (template.HTML, error) {
	var buf bytes.Buffer
	writer, err := p.WriterTo(pixels(width), pixels(height), "svg")
	if err != nil {
		return "", errors.Wrap(err, "error writing plot")
	}
	if _, err = writer.WriteTo(&buf); err != nil {
		return "", errors.Wrap(err, "error writing plot")
	}
	return template.HTML(buf.String()), nil
}

// Save the plot to file, the format is taken from the file extension.
func Save(p *plot.Plot, width, height int, file string) error {
	return errors.Wrapf(p.Save(pixels(width), pixels(height), file), "error saving %s", file)
}

func pixels(n int) vg.Length {
	return vg.Inch * vg.Length(n) / vgimg.DefaultDPI
}
