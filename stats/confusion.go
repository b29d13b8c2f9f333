package stats

import (
	"fmt"
	"html/template"
	"strings"
)

// Confusion matrix with a row for each true label and a column for each predicted label
type Confusion struct {
	Classes []string
	Count   [][]int
}

func NewConfusion(classes []string) *Confusion {
	c := &Confusion{Classes: classes, Count: make([][]int, len(classes))}
	for i := range c.Count {
		c.Count[i] = make([]int, len(classes))
	}
	return c
}

// Add one prediction, labels out of range are ignored
func (c *Confusion) Add(label, pred int) {
	n := len(c.Classes)
	if label >= 0 && label < n && pred >= 0 && pred < n {
		c.Count[label][pred]++
	}
}

// AddAll updates the matrix from a list of labels and predictions
func (c *Confusion) AddAll(labels, pred []int32) {
	for i, label := range labels {
		if i < len(pred) {
			c.Add(int(label), int(pred[i]))
		}
	}
}

// Total number of samples
func (c *Confusion) Total() int {
	total := 0
	for _, row := range c.Count {
		for _, n := range row {
			total += n
		}
	}
	return total
}

// Fraction of samples which are on the diagonal
func (c *Confusion) Accuracy() float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	correct := 0
	for i := range c.Count {
		correct += c.Count[i][i]
	}
	return float64(correct) / float64(total)
}

// Fraction of samples with the given true label which are classified correctly
func (c *Confusion) ClassAccuracy(label int) float64 {
	total := 0
	for _, n := range c.Count[label] {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(c.Count[label][label]) / float64(total)
}

func (c *Confusion) width() int {
	w := 6
	for _, name := range c.Classes {
		if len(name) > w {
			w = len(name)
		}
	}
	return w
}

// Format as a text table with true labels as rows and predictions as columns
func (c *Confusion) String() string {
	w := c.width()
	var b strings.Builder
	fmt.Fprintf(&b, "%*s", w, "")
	for _, name := range c.Classes {
		fmt.Fprintf(&b, " %*s", w, name)
	}
	fmt.Fprintf(&b, " %*s\n", w, "acc%")
	for i, row := range c.Count {
		fmt.Fprintf(&b, "%*s", w, c.Classes[i])
		for _, n := range row {
			fmt.Fprintf(&b, " %*d", w, n)
		}
		fmt.Fprintf(&b, " %*.1f\n", w, 100*c.ClassAccuracy(i))
	}
	return b.String()
}

// Format as an HTML table for the web interface
func (c *Confusion) HTML() template.HTML {
	var b strings.Builder
	b.WriteString(`<table class="confusion"><tr><th></th>`)
	for _, name := range c.Classes {
		fmt.Fprintf(&b, "<th>%s</th>", template.HTMLEscapeString(name))
	}
	b.WriteString("<th>acc%</th></tr>\n")
	for i, row := range c.Count {
		fmt.Fprintf(&b, "<tr><th>%s</th>", template.HTMLEscapeString(c.Classes[i]))
		for j, n := range row {
			if i == j {
				fmt.Fprintf(&b, `<td class="diag">%d</td>`, n)
			} else {
				fmt.Fprintf(&b, "<td>%d</td>", n)
			}
		}
		fmt.Fprintf(&b, "<td>%.1f</td></tr>\n", 100*c.ClassAccuracy(i))
	}
	b.WriteString("</table>")
	return template.HTML(b.String())
}
