package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/jnb666/cifarnet/nnet"
	"github.com/pkg/errors"
)

type ConfigPage struct {
	*Templates
	Fields []Field
	Layers []Layer
	Tuners []TuneParams
	net    *Network
}

type Field struct {
	Name    string
	Value   string
	Error   string
	Boolean bool
	On      bool
}

type Layer struct {
	Index int
	Desc  string
}

// Base data for handler functions to view and update the network config
func NewConfigPage(t *Templates, net *Network) *ConfigPage {
	p := &ConfigPage{net: net}
	p.Templates = t.Clone().Select("/config")
	p.AddOption(Link{Name: "save", Url: "/config/save", Submit: true})
	p.AddOption(Link{Name: "reset", Url: "/config/reset"})
	p.AddOption(Link{Name: "tune", Url: "/config/tune"})
	p.refresh()
	return p
}

func (p *ConfigPage) refresh() {
	p.Fields = getFields(&p.net.Conf)
	p.Layers = getLayers(&p.net.Conf)
	p.Tuners = p.net.Tuners
	if p.net.tuneMode {
		p.SelectOptions([]string{"tune"})
	} else {
		p.SelectOptions(nil)
	}
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.Heading = p.net.heading()
		p.Exec(w, r, "config", p)
	}
}

// Handler function for the config form save action
func (p *ConfigPage) Save() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		if err := r.ParseForm(); err != nil {
			logError(w, err)
			return
		}
		haveErrors := false
		conf := p.net.Conf.Copy()
		for i, fld := range p.Fields {
			val := r.Form.Get(fld.Name)
			var err error
			if fld.Boolean {
				p.Fields[i].On = (val == "true")
				conf, err = conf.SetBool(fld.Name, p.Fields[i].On)
			} else {
				p.Fields[i].Value = val
				conf, err = conf.SetString(fld.Name, val)
			}
			p.Fields[i].Error = ""
			if err != nil {
				p.Fields[i].Error = "invalid syntax"
				haveErrors = true
			}
		}
		if !haveErrors {
			if _, err := conf.Validate(); err != nil {
				p.Flash(w, r, err.Error())
				haveErrors = true
			}
		}
		if !haveErrors {
			if err := conf.Save(p.net.Model + ".conf"); err != nil {
				logError(w, err)
				return
			}
			p.net.Conf = conf
			p.net.updated = true
			p.refresh()
		}
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

// Handler function to reset the config to the default settings
func (p *ConfigPage) Reset() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		conf, err := nnet.LoadConfig(p.net.Model + ".default")
		if err != nil {
			logError(w, err)
			return
		}
		if err = conf.Save(p.net.Model + ".conf"); err != nil {
			logError(w, err)
			return
		}
		p.net.Conf = conf
		p.net.updated = true
		p.refresh()
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

// Handler function for hyperparameter tuning. A GET request toggles tuning mode, a POST sets
// the values to tune from a space separated list for each of the tuning options.
func (p *ConfigPage) Tune() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		if r.Method == http.MethodPost {
			for i, opt := range p.net.Tuners {
				vals := strings.Fields(r.FormValue(opt.Name))
				for _, val := range vals {
					if _, err := p.net.Conf.SetString(opt.Name, val); err != nil {
						p.Flash(w, r, fmt.Sprintf("%s: invalid value %q", opt.Name, val))
						vals = nil
						break
					}
				}
				if len(vals) > 0 {
					p.net.Tuners[i].Values = vals
				}
			}
			p.net.updated = true
		} else {
			p.net.tuneMode = !p.net.tuneMode
		}
		p.refresh()
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

// Watch reloads the config if the model config file is modified on disk, until the context is cancelled.
func (p *ConfigPage) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "error creating watcher")
	}
	if err = watcher.Add(nnet.DataDir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "error watching %s", nnet.DataDir)
	}
	go func() {
		defer watcher.Close()
		name := p.net.Model + ".conf"
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					p.reload(name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Println("config watch error:", err)
			}
		}
	}()
	return nil
}

func (p *ConfigPage) reload(name string) {
	conf, err := nnet.LoadConfig(name)
	if err != nil {
		log.Println(err)
		return
	}
	p.net.Lock()
	defer p.net.Unlock()
	if fmt.Sprint(conf) == fmt.Sprint(p.net.Conf) {
		return
	}
	log.Println("config modified:", name)
	p.net.Conf = conf
	p.net.updated = true
	p.refresh()
}

func getFields(conf *nnet.Config) []Field {
	var flds []Field
	for _, key := range conf.Fields() {
		f := Field{Name: key, Value: fmt.Sprint(conf.Get(key))}
		f.On, f.Boolean = conf.Get(key).(bool)
		flds = append(flds, f)
	}
	return flds
}

func getLayers(conf *nnet.Config) []Layer {
	layers := make([]Layer, len(conf.Layers))
	for i, l := range conf.Layers {
		layers[i].Index = i
		layers[i].Desc = l.String()
	}
	return layers
}
