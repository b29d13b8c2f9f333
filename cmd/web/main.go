// Web interface to train a network and view the results.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/jnb666/cifarnet/nnet"
	"github.com/jnb666/cifarnet/web"
)

const (
	scale = 3
	rows  = 6
	cols  = 10
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Println("usage: web [opts] <model>")
		os.Exit(1)
	}
	var addr string
	flag.StringVar(&addr, "addr", ":8080", "address to listen on")
	flag.Parse()
	model := os.Args[len(os.Args)-1]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	net, err := web.NewNetwork(model)
	nnet.CheckErr(err)

	t, err := web.NewTemplates()
	nnet.CheckErr(err)

	trainPage := web.NewTrainPage(t, net)
	imagePage := web.NewImagePage(t, net, scale, rows, cols)
	configPage := web.NewConfigPage(t, net)
	nnet.CheckErr(configPage.Watch(ctx))

	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/train/", http.StatusFound))
	r.PathPrefix("/static/").Handler(web.Static())

	r.Handle("/train", http.RedirectHandler("/train/", http.StatusFound))
	r.HandleFunc("/train/", trainPage.Base())
	r.HandleFunc("/train/{cmd:(?:start|stop|continue)}", trainPage.Base())
	r.HandleFunc("/stats", trainPage.Stats())
	r.HandleFunc("/ws", trainPage.Websocket())

	r.HandleFunc("/images/", imagePage.Base())
	r.HandleFunc("/images/{dset}/", imagePage.Base())
	r.HandleFunc("/images/{dset}/{class:[0-9]+}", imagePage.Base())
	r.HandleFunc("/images/{dset}/{opt:(?:all|errors|prev|next|distort)}", imagePage.Setopt())
	r.HandleFunc("/img/{dset}/{id:[0-9]+}", imagePage.Image())

	r.HandleFunc("/config", configPage.Base())
	r.HandleFunc("/config/save", configPage.Save()).Methods("POST")
	r.HandleFunc("/config/reset", configPage.Reset())
	r.HandleFunc("/config/tune", configPage.Tune())

	var handler http.Handler = r
	if user := os.Getenv("CIFARNET_USER"); user != "" {
		log.Println("basic auth enabled for user", user)
		handler = web.NewAuthMiddleware(user, os.Getenv("CIFARNET_PASSWORD")).Middleware(r)
	}

	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		net.Lock()
		net.Stop()
		net.Unlock()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	log.Printf("serving web page at http://localhost%s\n", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
