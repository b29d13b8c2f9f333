package plots

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jnb666/cifarnet/nnet"
)

var headers = []string{"loss", "accuracy", "valid loss", "valid accuracy", "valid avg"}

func history() []nnet.Stats {
	var stats []nnet.Stats
	for epoch := 1; epoch <= 5; epoch++ {
		loss := 2 / float64(epoch)
		stats = append(stats, nnet.Stats{
			Epoch:  epoch,
			Values: []float64{loss, 1 - loss/3, loss * 1.1, 1 - loss/2.5, loss},
		})
	}
	return stats
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	p, err := Loss(history(), headers)
	if err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "loss.svg")
	if err := Save(p, 600, 400, file); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "<svg") {
		t.Error("invalid svg file")
	}
}

func TestSVG(t *testing.T) {
	p, err := Accuracy(history(), headers)
	if err != nil {
		t.Fatal(err)
	}
	html, err := SVG(p, 400, 300)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(html), "<svg") {
		t.Error("invalid svg output")
	}
}
