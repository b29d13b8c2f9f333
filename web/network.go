// Package web has a web based interface for network training and visualisation.
package web

import (
	"context"
	"encoding/gob"
	"fmt"
	"html/template"
	"log"
	"math/rand"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jnb666/cifarnet/img"
	"github.com/jnb666/cifarnet/nnet"
	"github.com/jnb666/cifarnet/num"
	"github.com/pkg/errors"
)

var tuneOpts = []string{"Eta", "Lambda", "TrainBatch"}
var tuneOptHtml = []string{"&eta;", "&lambda;", "batch"}

// Network and associated training / test data and configuration
type Network struct {
	*NetworkData
	*nnet.Network
	Data      map[string]nnet.Data
	Labels    map[string][]int32
	test      *nnet.TestBase
	trans     *img.Transformer
	trainData *nnet.Dataset
	queue     num.Queue
	rng       *rand.Rand
	clients   map[*websocket.Conn]bool
	cancel    context.CancelFunc
	updated   bool
	running   bool
	tuneMode  bool
	sync.Mutex
}

// Embedded structs used to persist state to file
type NetworkData struct {
	Model   string
	RunID   string
	Conf    nnet.Config
	MaxRun  int
	Run     int
	Epoch   int
	Stats   []nnet.Stats
	Pred    map[string][]int32
	Params  []LayerData
	History []HistoryData
	Tuners  []TuneParams
}

type LayerData struct {
	Layer   int
	Weights []float32
	Biases  []float32
}

type HistoryData struct {
	RunID string
	Stats nnet.Stats
	Conf  nnet.Config
}

// Params returns the tuning parameters used for the run
func (h HistoryData) Params() template.HTML {
	plist := make([]string, len(tuneOpts))
	for i, p := range tuneOpts {
		plist[i] = fmt.Sprintf("%s=%v", tuneOptHtml[i], h.Conf.Get(p))
	}
	return template.HTML(strings.Join(plist, " "))
}

type TuneParams struct {
	Name   string
	Values []string
}

// Create a new network and load config from data given model name
func NewNetwork(model string) (*Network, error) {
	n := &Network{test: nnet.NewTestBase(), clients: map[*websocket.Conn]bool{}}
	log.Println("load model:", model)
	var err error
	if n.NetworkData, err = LoadNetwork(model, false); err != nil {
		return nil, err
	}
	if err = n.Init(n.Conf); err != nil {
		return nil, err
	}
	if err = n.Import(); err != nil {
		return nil, err
	}
	return n, nil
}

// Initialise the network
func (n *Network) Init(conf nnet.Config) error {
	log.Printf("init network: dataSet=%s threads=%d\n", conf.DataSet, conf.Threads)
	n.release()
	conf, err := conf.Validate()
	if err != nil {
		return err
	}
	if n.Data, err = nnet.LoadData(conf.DataSet); err != nil {
		return err
	}
	dev := num.NewDevice()
	n.queue = dev.NewQueue(conf.Threads)
	n.rng = nnet.SetSeed(conf.RandSeed)
	n.trainData = nnet.NewDataset(dev, n.Data["train"], conf.TrainBatch, conf.MaxSamples, conf.DropRemainder, n.rng)
	if err = n.trainData.SetTrans(conf.Normalise, conf.Distort); err != nil {
		return err
	}
	n.Network = nnet.New(n.queue, conf, n.trainData.BatchSize, n.trainData.Shape(), n.rng)
	if n.DebugLevel >= 1 {
		fmt.Println(n.Network)
	}
	n.test.Init(n.queue, conf, n.Data, n.rng).Predict()
	n.Labels = make(map[string][]int32)
	for key, d := range n.Data {
		n.Labels[key] = make([]int32, d.Len())
		d.Label(seq(d.Len()), n.Labels[key])
	}
	if data, ok := n.Data["train"].(*img.Data); ok {
		n.trans = img.NewTransformer(data, img.Distort, n.rng)
	}
	return nil
}

// release allocated buffers
func (n *Network) release() {
	if n.queue != nil {
		n.queue.Finish()
	}
	if n.Network != nil {
		n.Network.Release()
	}
	if n.trainData != nil {
		n.trainData.Release()
	}
}

// Initialise for new training run
func (n *Network) Start(conf nnet.Config, lock bool) error {
	if lock {
		n.Lock()
		defer n.Unlock()
	}
	if err := n.Init(conf); err != nil {
		return err
	}
	n.test.Reset()
	log.Println("init weights")
	n.InitWeights(n.rng)
	n.RunID = uuid.NewString()
	n.Epoch = 0
	n.updated = false
	return nil
}

// Perform training run in the background. If restart is set then start from the first epoch
// with new weights, else continue from the last completed epoch. Must be called with the lock held.
func (n *Network) Train(restart bool) error {
	log.Printf("train %s: restart=%v\n", n.Model, restart)
	if n.running {
		return errors.New("training is already running")
	}
	runs := []nnet.Config{n.Conf}
	if n.tuneMode {
		runs = getRunConfig(n.Conf, n.Tuners)
	}
	n.MaxRun = len(runs)
	if restart || n.updated {
		n.Run = 0
		if err := n.Start(runs[0], false); err != nil {
			return err
		}
	}
	if n.Epoch >= n.MaxEpoch && n.Run >= n.MaxRun-1 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.running = true
	go n.trainRuns(ctx, runs)
	return nil
}

func (n *Network) trainRuns(ctx context.Context, runs []nnet.Config) {
	n.queue.Profiling(n.Profile)
	var err error
	for n.Run < n.MaxRun && err == nil {
		if !n.nextRun(runs) {
			break
		}
		log.Printf("train run %d / %d from epoch %d\n", n.Run+1, len(runs), n.Epoch+1)
		err = nnet.TrainFrom(ctx, n.Network, n.trainData, epochTester{n}, n.Epoch+1)
		n.Lock()
		if last := len(n.test.Stats) - 1; last >= 0 {
			log.Println(n.test.FormatStats(n.test.Stats[last]))
		}
		n.Unlock()
	}
	n.Lock()
	n.running = false
	n.cancel = nil
	n.Unlock()
	log.Println("train: end -", err)
	if n.Profile {
		fmt.Printf("== Profile ==\n%s\n", n.queue.Profile())
	}
}

// advance to the next run once the current one has completed, returns false if there are none left
func (n *Network) nextRun(runs []nnet.Config) bool {
	n.Lock()
	defer n.Unlock()
	if n.Epoch < n.MaxEpoch {
		return true
	}
	n.Run++
	if n.Run >= n.MaxRun {
		return false
	}
	if err := n.Start(runs[n.Run], false); err != nil {
		log.Println(err)
		return false
	}
	return true
}

// Stop the current training run
func (n *Network) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
}

// Running returns true if training is in progress
func (n *Network) Running() bool {
	return n.running
}

type epochTester struct {
	*Network
}

func (t epochTester) Test(net *nnet.Network, epoch int, loss, acc float64, start time.Time) bool {
	t.Lock()
	done := t.test.Test(net, epoch, loss, acc, start)
	t.Unlock()
	t.nextEpoch(epoch, done)
	return done
}

func (n *Network) nextEpoch(epoch int, done bool) {
	n.Lock()
	n.Epoch = epoch
	// update predictions for each image
	for key, pred := range n.test.Pred {
		n.Pred[key] = append(n.Pred[key][:0], pred...)
	}
	if done && len(n.test.Stats) > 0 {
		n.Epoch = n.MaxEpoch
		n.History = append(n.History, HistoryData{
			RunID: n.RunID,
			Stats: n.test.Stats[len(n.test.Stats)-1],
			Conf:  n.Config.Copy(),
		})
	}
	n.Export()
	err := SaveNetwork(n.NetworkData, false)
	n.Unlock()
	if err != nil {
		log.Println("nextEpoch: error saving network:", err)
	}
	n.notify(strconv.Itoa(n.Run+1) + ":" + strconv.Itoa(epoch))
}

// AddClient registers a websocket connection to be notified at the end of each epoch.
func (n *Network) AddClient(conn *websocket.Conn) {
	n.Lock()
	n.clients[conn] = true
	n.Unlock()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				n.Lock()
				delete(n.clients, conn)
				n.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

func (n *Network) notify(msg string) {
	n.Lock()
	defer n.Unlock()
	for conn := range n.clients {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			log.Println("notify: error writing to websocket", err)
			delete(n.clients, conn)
			conn.Close()
		}
	}
}

func (n *Network) heading() template.HTML {
	s := fmt.Sprintf("%s: run %d/%d  epoch %d/%d", n.Model, n.Run+1, n.MaxRun, n.Epoch, n.Conf.MaxEpoch)
	return template.HTML(template.HTMLEscapeString(s))
}

// Export current state prior to saving to file
func (n *Network) Export() {
	n.Stats = n.test.Stats
	n.Params = []LayerData{}
	for i, layer := range n.Layers {
		if l, ok := layer.(nnet.ParamLayer); ok {
			W, B := l.Params()
			d := LayerData{
				Layer:   i,
				Weights: make([]float32, W.Size()),
				Biases:  make([]float32, B.Size()),
			}
			n.queue.Call(
				num.Read(W, d.Weights),
				num.Read(B, d.Biases),
			).Finish()
			n.Params = append(n.Params, d)
		}
	}
}

// Import current state after loading from file
func (n *Network) Import() error {
	n.test.Stats = n.Stats
	if n.Epoch == 0 || len(n.Params) == 0 {
		log.Println("init weights")
		n.InitWeights(n.rng)
		return nil
	}
	log.Println("import weights")
	nlayers := len(n.Layers)
	for _, p := range n.Params {
		if p.Layer >= nlayers {
			return errors.Errorf("layer %d import error: network has %d layers total", p.Layer, nlayers)
		}
		layer, ok := n.Layers[p.Layer].(nnet.ParamLayer)
		if !ok {
			return errors.Errorf("layer %d import error: not a ParamLayer", p.Layer)
		}
		W, B := layer.Params()
		if W.Size() != len(p.Weights) || B.Size() != len(p.Biases) {
			return errors.Errorf("layer %d import error: size mismatch - have %d %d - expect %d %d",
				p.Layer, len(p.Weights), len(p.Biases), W.Size(), B.Size())
		}
		n.queue.Call(
			num.Write(W, p.Weights),
			num.Write(B, p.Biases),
		)
	}
	n.queue.Finish()
	return nil
}

// Encode data in gob format and save to file under nnet.DataDir. If reset is set then the
// saved state is removed and the config is written to the model config file.
func SaveNetwork(data *NetworkData, reset bool) error {
	model := data.Model
	filePath := path.Join(nnet.DataDir, model+".net")
	if reset {
		if err := data.Conf.Save(model + ".conf"); err != nil {
			return err
		}
		os.Remove(filePath)
		return nil
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "error saving network")
	}
	if err = gob.NewEncoder(f).Encode(*data); err != nil {
		f.Close()
		return errors.Wrap(err, "error encoding network")
	}
	return f.Close()
}

// Read back gob encoded data file, if not found or reset is set then load default config.
func LoadNetwork(model string, reset bool) (data *NetworkData, err error) {
	data = &NetworkData{
		Model:   model,
		MaxRun:  1,
		Stats:   []nnet.Stats{},
		Pred:    map[string][]int32{},
		Params:  []LayerData{},
		History: []HistoryData{},
	}
	if !reset {
		if err = loadGob(model+".net", data); err != nil {
			reset = true
		}
	}
	if reset {
		if data.Conf, err = nnet.LoadConfig(model + ".conf"); err != nil {
			return nil, err
		}
	}
	if data.Pred == nil {
		data.Pred = map[string][]int32{}
	}
	if data.Tuners == nil {
		for _, opt := range tuneOpts {
			data.Tuners = append(data.Tuners, TuneParams{
				Name:   opt,
				Values: []string{fmt.Sprint(data.Conf.Get(opt))},
			})
		}
	}
	return data, nil
}

func loadGob(name string, data *NetworkData) error {
	filePath := path.Join(nnet.DataDir, name)
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	log.Println("loading network state from", name)
	return gob.NewDecoder(f).Decode(data)
}

// For hyperparameter tuning, get config per run
func getRunConfig(conf nnet.Config, params []TuneParams) []nnet.Config {
	for _, p := range params {
		conf = setConfig(conf, p.Name, p.Values[0])
	}
	logConfig(conf)
	list := permute(conf, params, len(params)-1, []nnet.Config{conf})
	log.Printf("getRunConfig: runs=%d cases=%d\n", conf.TrainRuns, len(list))
	res := []nnet.Config{}
	for run := 0; run < max(conf.TrainRuns, 1); run++ {
		res = append(res, list...)
	}
	return res
}

func permute(conf nnet.Config, params []TuneParams, n int, list []nnet.Config) []nnet.Config {
	if n < 0 {
		return list
	}
	for i, val := range params[n].Values {
		if i > 0 {
			conf = setConfig(conf, params[n].Name, val)
			logConfig(conf)
			list = append(list, conf)
		}
		list = permute(conf, params, n-1, list)
	}
	return list
}

func setConfig(c nnet.Config, name string, val string) nnet.Config {
	var err error
	c, err = c.SetString(name, val)
	if err != nil {
		panic(err)
	}
	return c
}

func logConfig(c nnet.Config) {
	var s string
	for _, name := range tuneOpts {
		s += fmt.Sprintf("%s=%v ", name, c.Get(name))
	}
	log.Println("getRunConfig:", s)
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
