package web

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/cifarnet/nnet"
	"github.com/jnb666/cifarnet/plots"
	"github.com/jnb666/cifarnet/stats"
	"gonum.org/v1/plot"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type TrainPage struct {
	*Templates
	net *Network
}

// Base data for handler functions to perform network training and display the stats
func NewTrainPage(t *Templates, net *Network) *TrainPage {
	p := &TrainPage{net: net}
	p.Templates = t.Clone().Select("/train/")
	p.AddOption(Link{Name: "start", Url: "/train/start"})
	p.AddOption(Link{Name: "stop", Url: "/train/stop"})
	p.AddOption(Link{Name: "continue", Url: "/train/continue"})
	return p
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd := mux.Vars(r)["cmd"]
		p.net.Lock()
		defer p.net.Unlock()
		switch cmd {
		case "start", "continue":
			if err := p.net.Train(cmd == "start"); err != nil {
				log.Println(err)
				p.Flash(w, r, err.Error())
			}
			http.Redirect(w, r, "/train/", http.StatusFound)
		case "stop":
			p.net.Stop()
			http.Redirect(w, r, "/train/", http.StatusFound)
		default:
			p.Heading = p.net.heading()
			p.Exec(w, r, "train", p)
		}
	}
}

// Handler function for the stats frame
func (p *TrainPage) Stats() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.Exec(w, r, "stats", p)
	}
}

// Handler function for websocket connection
func (p *TrainPage) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("websocket upgrade error:", err)
			return
		}
		p.net.AddClient(conn)
	}
}

func (p *TrainPage) Status() string {
	if p.net.Running() {
		return "running"
	}
	return "stopped"
}

func (p *TrainPage) Headers() []string {
	return p.net.test.Headers
}

func (p *TrainPage) History() []HistoryData {
	return p.net.History
}

func (p *TrainPage) LatestStats(n int) []nnet.Stats {
	s := p.net.test.Stats
	last := len(s) - 1
	res := []nnet.Stats{}
	for i := last; i >= 0 && i > last-n; i-- {
		res = append(res, s[i])
	}
	return res
}

func (p *TrainPage) RunTime() string {
	s := p.net.test.Stats
	if len(s) == 0 {
		return ""
	}
	return fmt.Sprintf("run time: %s", s[len(s)-1].Elapsed.Round(10*time.Millisecond))
}

func (p *TrainPage) LossPlot(width, height int) template.HTML {
	if len(p.net.test.Stats) == 0 {
		return ""
	}
	plt, err := plots.Loss(p.net.test.Stats, p.Headers())
	return p.svg(plt, err, width, height)
}

func (p *TrainPage) AccuracyPlot(width, height int) template.HTML {
	if len(p.net.test.Stats) == 0 {
		return ""
	}
	plt, err := plots.Accuracy(p.net.test.Stats, p.Headers())
	return p.svg(plt, err, width, height)
}

func (p *TrainPage) svg(plt *plot.Plot, err error, width, height int) template.HTML {
	var html template.HTML
	if err == nil {
		if html, err = plots.SVG(plt, width, height); err == nil {
			return html
		}
	}
	log.Println("error generating plot:", err)
	return ""
}

// Confusion returns the confusion matrix for the validation set, or the test set if there is no validation data.
func (p *TrainPage) Confusion() template.HTML {
	for _, key := range []string{"valid", "test"} {
		pred, ok := p.net.Pred[key]
		labels := p.net.Labels[key]
		if !ok || len(pred) == 0 || len(pred) != len(labels) {
			continue
		}
		c := stats.NewConfusion(p.net.Data[key].Classes())
		c.AddAll(labels, pred)
		return template.HTML("<h3>" + key + " confusion matrix</h3>") + c.HTML()
	}
	return ""
}
