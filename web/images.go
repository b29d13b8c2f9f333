package web

import (
	"image/png"
	"log"
	"math/rand"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jnb666/cifarnet/img"
	"github.com/jnb666/cifarnet/nnet"
)

type ImagePage struct {
	*Templates
	Dset    string
	Class   int
	Page    int
	Errors  bool
	Distort string
	Rows    []int
	Cols    []int
	Width   int
	Height  int
	Pages   int
	Total   int
	net     *Network
}

// Base data for handler functions to view input image dataset
func NewImagePage(t *Templates, net *Network, scale float64, rows, cols int) *ImagePage {
	p := &ImagePage{net: net, Page: 1}
	p.Templates = t.Clone().Select("/images/")
	for _, key := range nnet.DataTypes {
		if _, ok := net.Data[key]; ok {
			p.AddOption(Link{Name: key, Url: "/images/" + key + "/"})
		}
	}
	for _, name := range []string{"all", "errors", "prev", "next", "distort"} {
		p.AddOption(Link{Name: name, Url: "./" + name})
	}
	if d, ok := net.Data["train"]; ok {
		if dims := d.Shape(); len(dims) >= 2 {
			p.Width = int(float64(dims[1]) * scale)
			p.Height = int(float64(dims[0]) * scale)
		}
	}
	p.Rows = seq(rows)
	p.Cols = seq(cols)
	return p
}

// Handler function for the main image page with the grid of images
func (p *ImagePage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		vars := mux.Vars(r)
		if vars["dset"] == "" {
			http.Redirect(w, r, "/images/train/", http.StatusFound)
			return
		}
		p.Dset = vars["dset"]
		if vars["class"] != "" {
			p.Class, _ = strconv.Atoi(vars["class"])
		}
		sel := []string{p.Dset, "all"}
		if p.Errors {
			sel[1] = "errors"
		}
		if p.Distort != "" {
			sel = append(sel, "distort")
		}
		p.SelectOptions(sel)
		p.Heading = p.net.heading()
		d, ok := p.net.Data[p.Dset]
		if !ok {
			p.Dropdown = nil
			p.Exec(w, r, "blank", p)
			return
		}
		base := "/images/" + p.Dset + "/"
		p.Dropdown = []Link{{Name: "all classes", Url: base + "0"}}
		for i, class := range d.Classes() {
			p.Dropdown = append(p.Dropdown, Link{Name: class, Url: base + strconv.Itoa(i+1), Selected: i+1 == p.Class})
		}
		p.Total, p.Pages = p.pageCount()
		if p.Page > p.Pages || p.Page < 1 {
			p.Page = 1
		}
		p.Exec(w, r, "images", p)
	}
}

// Set option from top menu
func (p *ImagePage) Setopt() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		vars := mux.Vars(r)
		p.Dset = vars["dset"]
		p.Total, p.Pages = p.pageCount()
		switch vars["opt"] {
		case "all":
			p.Errors = false
		case "errors":
			p.Errors = true
		case "prev":
			p.Page = mod(p.Page-1, 1, p.Pages)
		case "next":
			p.Page = mod(p.Page+1, 1, p.Pages)
		case "distort":
			if p.Distort == "" {
				p.Distort = strconv.Itoa(rand.Intn(999999))
			} else {
				p.Distort = ""
			}
		}
		http.Redirect(w, r, "/images/"+p.Dset+"/", http.StatusFound)
	}
}

func (p *ImagePage) pageCount() (nimg, pages int) {
	for i := range p.net.Labels[p.Dset] {
		if p.showImage(i) {
			nimg++
		}
	}
	perPage := len(p.Rows) * len(p.Cols)
	if perPage == 0 {
		return nimg, 0
	}
	pages = nimg / perPage
	if nimg%perPage != 0 {
		pages++
	}
	return nimg, pages
}

func (p *ImagePage) showImage(i int) bool {
	labels := p.net.Labels[p.Dset]
	if i >= len(labels) {
		return false
	}
	show := p.Class == 0 || int(labels[i]) == p.Class-1
	if p.Errors {
		pred := p.net.Pred[p.Dset]
		show = show && i < len(pred) && pred[i] != labels[i]
	}
	return show
}

// Index returns the 1 based index of the image in the given grid cell, or 0 if it is empty
func (p *ImagePage) Index(row, col int) int {
	rows, cols := len(p.Rows), len(p.Cols)
	index := (p.Page-1)*rows*cols + row*cols + col
	for i := range p.net.Labels[p.Dset] {
		if p.showImage(i) {
			index--
			if index < 0 {
				return i + 1
			}
		}
	}
	return 0
}

func (p *ImagePage) label(i int) int {
	lab := p.net.Labels[p.Dset]
	if i < 1 || i > len(lab) {
		return -1
	}
	return int(lab[i-1])
}

func (p *ImagePage) predict(i int) int {
	pred, ok := p.net.Pred[p.Dset]
	if !ok || i < 1 || i > len(pred) {
		return -1
	}
	return int(pred[i-1])
}

// Label returns the class name of the image and the predicted class if it differs
func (p *ImagePage) Label(i int) string {
	d, ok := p.net.Data[p.Dset]
	lab := p.label(i)
	if !ok || lab < 0 {
		return ""
	}
	classes := d.Classes()
	text := classes[lab]
	if pred := p.predict(i); pred >= 0 && pred != lab && pred < len(classes) {
		text += " => " + classes[pred]
	}
	return text
}

// Handler function for the image data
func (p *ImagePage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		vars := mux.Vars(r)
		dset := vars["dset"]
		id, _ := strconv.Atoi(vars["id"])
		data, ok := p.net.Data[dset]
		if !ok || id < 1 || id > data.Len() {
			http.NotFound(w, r)
			return
		}
		image := data.Image(id-1, r.FormValue("ch"))
		if r.FormValue("d") != "" && p.net.trans != nil {
			var err error
			if image, err = p.net.trans.Transform(image, 0); err != nil {
				logError(w, err)
				return
			}
		}
		pred := -1
		if pl := p.net.Pred[dset]; id <= len(pl) {
			pred = int(pl[id-1])
		}
		image = img.Highlight(image, pred >= 0 && int(p.net.Labels[dset][id-1]) != pred)
		w.Header().Set("Content-type", "image/png")
		if err := png.Encode(w, image); err != nil {
			log.Println("error encoding image:", err)
		}
	}
}

func mod(i, min, max int) int {
	if i < min {
		i = max
	}
	if i > max {
		i = min
	}
	return i
}
