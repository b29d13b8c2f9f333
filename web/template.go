package web

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

//go:embed assets
var assets embed.FS

const sessionName = "cifarnet"

// Static returns a handler to serve the stylesheet and other static files
func Static() http.Handler {
	sub, err := fs.Sub(assets, "assets")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// Template and main menu definition
type Templates struct {
	*template.Template
	Menu     []Link
	Options  []Link
	Dropdown []Link
	Heading  template.HTML
	Messages []string
	store    sessions.Store
}

type Link struct {
	Url      string
	Name     string
	Selected bool
	Submit   bool
}

// Load and parse templates and initialise main menu
func NewTemplates() (*Templates, error) {
	t := &Templates{Menu: []Link{}, Options: []Link{}}
	funcs := template.FuncMap{"join": strings.Join}
	var err error
	t.Template, err = template.New("").Funcs(funcs).ParseFS(assets, "assets/*.html")
	if err != nil {
		return nil, err
	}
	t.store = sessions.NewCookieStore(securecookie.GenerateRandomKey(32))
	t.AddMenuItem(Link{Name: "train", Url: "/train/"})
	t.AddMenuItem(Link{Name: "images", Url: "/images/"})
	t.AddMenuItem(Link{Name: "config", Url: "/config"})
	return t, nil
}

func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Menu:     append([]Link{}, t.Menu...),
		Options:  append([]Link{}, t.Options...),
		store:    t.store,
	}
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = strings.HasPrefix(url, key.Url)
	}
	return t
}

func (t *Templates) AddMenuItem(l Link) *Templates {
	t.Menu = append(t.Menu, l)
	return t
}

func (t *Templates) AddOption(l Link) *Templates {
	t.Options = append(t.Options, l)
	return t
}

func (t *Templates) SelectOptions(names []string) *Templates {
	for i, key := range t.Options {
		t.Options[i].Selected = false
		for _, name := range names {
			if key.Name == name {
				t.Options[i].Selected = true
			}
		}
	}
	return t
}

// Flash saves a message in the session which is shown on the next page
func (t *Templates) Flash(w http.ResponseWriter, r *http.Request, msg string) {
	session, _ := t.store.Get(r, sessionName)
	session.AddFlash(msg)
	if err := session.Save(r, w); err != nil {
		log.Println("error saving session:", err)
	}
}

// Exec runs the named template, any flash messages from the session are added to the page
func (t *Templates) Exec(w http.ResponseWriter, r *http.Request, name string, data interface{}) {
	t.Messages = nil
	if session, err := t.store.Get(r, sessionName); err == nil {
		if flashes := session.Flashes(); len(flashes) > 0 {
			for _, f := range flashes {
				t.Messages = append(t.Messages, fmt.Sprint(f))
			}
			if err = session.Save(r, w); err != nil {
				log.Println("error saving session:", err)
			}
		}
	}
	if err := t.ExecuteTemplate(w, name, data); err != nil {
		logError(w, err)
	}
}

func logError(w http.ResponseWriter, err error) {
	log.Println(err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}
