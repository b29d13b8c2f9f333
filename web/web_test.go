package web

import (
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jnb666/cifarnet/img"
	"github.com/jnb666/cifarnet/nnet"
)

func testConfig() nnet.Config {
	return nnet.Config{
		DataSet:    "test",
		Optimizer:  "adam",
		Eta:        0.01,
		WeightInit: nnet.GlorotUniform,
		Shuffle:    true,
		TrainBatch: 10,
		TestBatch:  10,
		MaxEpoch:   3,
		LogEvery:   1,
		RandSeed:   1,
		TrainRuns:  1,
	}.AddLayers(
		nnet.Conv{Nfeats: 2, Size: 3, Pad: true},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2},
		nnet.Flatten{},
		nnet.Linear{Nout: 2},
		nnet.Activation{Atype: "softmax"},
	)
}

// images where the class is given by which half is brighter
func testData(n int, rng *rand.Rand) *img.Data {
	images := make([]*img.Image, n)
	labels := make([]int32, n)
	for i := range images {
		m := img.NewImage(8, 8, 3)
		label := int32(i % 2)
		for ch := 0; ch < 3; ch++ {
			pix := m.Pixels(ch)
			for j := range pix {
				pix[j] = 0.2 * rng.Float32()
				if (j < len(pix)/2) == (label == 0) {
					pix[j] += 0.8
				}
			}
		}
		images[i], labels[i] = m, label
	}
	return img.NewData([]string{"top", "bottom"}, labels, images)
}

func setDataDir(t *testing.T) {
	dir := nnet.DataDir
	nnet.DataDir = t.TempDir()
	t.Cleanup(func() { nnet.DataDir = dir })
}

func TestRunConfig(t *testing.T) {
	param := []TuneParams{
		{Name: "Eta", Values: []string{"0.1", "0.05", "0.15"}},
		{Name: "Lambda", Values: []string{"3", "5"}},
		{Name: "TrainBatch", Values: []string{"10", "20"}},
	}
	runs := getRunConfig(testConfig(), param)
	if len(runs) != 12 {
		t.Fatalf("got %d runs expect 12", len(runs))
	}
	seen := map[string]bool{}
	for _, c := range runs {
		key := HistoryData{Conf: c}.Params()
		if seen[string(key)] {
			t.Errorf("duplicate run config: %s", key)
		}
		seen[string(key)] = true
	}
	conf := testConfig()
	conf.TrainRuns = 2
	if runs = getRunConfig(conf, param); len(runs) != 24 {
		t.Errorf("got %d runs with TrainRuns=2 expect 24", len(runs))
	}
}

func TestAuth(t *testing.T) {
	mw := NewAuthMiddleware("user", "secret")
	srv := httptest.NewServer(mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without credentials: got status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.SetBasicAuth("user", "wrong")
	if resp, err = http.DefaultClient.Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password: got status %d", resp.StatusCode)
	}

	req, _ = http.NewRequest("GET", srv.URL, nil)
	req.SetBasicAuth("user", "secret")
	if resp, err = http.DefaultClient.Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with credentials: got status %d", resp.StatusCode)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == cookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("auth cookie not set")
	}

	req, _ = http.NewRequest("GET", srv.URL, nil)
	req.AddCookie(cookie)
	if resp, err = http.DefaultClient.Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with cookie: got status %d", resp.StatusCode)
	}
}

func TestTemplates(t *testing.T) {
	tmpl, err := NewTemplates()
	if err != nil {
		t.Fatal(err)
	}
	p := tmpl.Clone().Select("/config")
	p.Heading = "model heading"
	w := httptest.NewRecorder()
	p.Exec(w, httptest.NewRequest("GET", "/", nil), "blank", p)
	body := w.Body.String()
	for _, s := range []string{"no data", "model heading", `href="/train/"`, `class="selected">config`} {
		if !strings.Contains(body, s) {
			t.Errorf("output missing %q", s)
		}
	}
	if tmpl.Menu[2].Selected {
		t.Error("select on clone should not modify the original menu")
	}
	w = httptest.NewRecorder()
	Static().ServeHTTP(w, httptest.NewRequest("GET", "/static/style.css", nil))
	if w.Code != http.StatusOK {
		t.Errorf("static file: got status %d", w.Code)
	}
}

func TestSaveLoadNetwork(t *testing.T) {
	setDataDir(t)
	conf := testConfig()
	if err := conf.Save("test.conf"); err != nil {
		t.Fatal(err)
	}
	data, err := LoadNetwork("test", false)
	if err != nil {
		t.Fatal(err)
	}
	if data.Epoch != 0 || len(data.Tuners) != len(tuneOpts) || data.Conf.Eta != conf.Eta {
		t.Fatalf("bad initial state: %+v", data)
	}
	data.RunID = "run1"
	data.Epoch = 2
	data.Stats = append(data.Stats, nnet.Stats{Epoch: 2, Values: []float64{0.5, 0.75}, BestSince: -1})
	data.Params = append(data.Params, LayerData{Layer: 4, Weights: []float32{1, 2}, Biases: []float32{3}})
	if err = SaveNetwork(data, false); err != nil {
		t.Fatal(err)
	}
	saved, err := LoadNetwork("test", false)
	if err != nil {
		t.Fatal(err)
	}
	if saved.RunID != "run1" || saved.Epoch != 2 || len(saved.Stats) != 1 || saved.Stats[0].Values[1] != 0.75 {
		t.Errorf("state not restored: %+v", saved)
	}
	if len(saved.Params) != 1 || saved.Params[0].Weights[1] != 2 || len(saved.Conf.Layers) != len(conf.Layers) {
		t.Errorf("params not restored: %+v", saved.Params)
	}
	if err = SaveNetwork(saved, true); err != nil {
		t.Fatal(err)
	}
	if nnet.FileExists("test.net") {
		t.Error("reset should remove saved state")
	}
	if data, err = LoadNetwork("test", false); err != nil {
		t.Fatal(err)
	}
	if data.Epoch != 0 || len(data.Stats) != 0 {
		t.Errorf("after reset: epoch=%d stats=%d", data.Epoch, len(data.Stats))
	}
}

func TestConfigSave(t *testing.T) {
	setDataDir(t)
	tmpl, err := NewTemplates()
	if err != nil {
		t.Fatal(err)
	}
	net := &Network{NetworkData: &NetworkData{Model: "test", Conf: testConfig()}}
	p := NewConfigPage(tmpl, net)
	form := url.Values{}
	for _, f := range p.Fields {
		if f.Boolean {
			if f.On {
				form.Set(f.Name, "true")
			}
		} else {
			form.Set(f.Name, f.Value)
		}
	}
	form.Set("Eta", "0.25")
	form.Set("Shuffle", "")
	req := httptest.NewRequest("POST", "/config/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	p.Save()(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("got status %d", w.Code)
	}
	if net.Conf.Eta != 0.25 || net.Conf.Shuffle || !net.updated {
		t.Errorf("config not updated: Eta=%g Shuffle=%v updated=%v", net.Conf.Eta, net.Conf.Shuffle, net.updated)
	}
	conf, err := nnet.LoadConfig("test.conf")
	if err != nil {
		t.Fatal(err)
	}
	if conf.Eta != 0.25 {
		t.Errorf("saved config Eta=%g", conf.Eta)
	}

	form.Set("Eta", "x")
	req = httptest.NewRequest("POST", "/config/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	p.Save()(httptest.NewRecorder(), req)
	if net.Conf.Eta != 0.25 {
		t.Errorf("invalid value should not be applied: Eta=%g", net.Conf.Eta)
	}
	for _, f := range p.Fields {
		if f.Name == "Eta" && f.Error == "" {
			t.Error("expected error flagged on Eta field")
		}
	}
}

func TestTrainRun(t *testing.T) {
	setDataDir(t)
	rng := rand.New(rand.NewSource(1))
	for key, n := range map[string]int{"train": 40, "valid": 20} {
		if err := nnet.SaveDataFile(testData(n, rng), "test_"+key); err != nil {
			t.Fatal(err)
		}
	}
	if err := testConfig().Save("test.conf"); err != nil {
		t.Fatal(err)
	}
	net, err := NewNetwork("test")
	if err != nil {
		t.Fatal(err)
	}
	tmpl, err := NewTemplates()
	if err != nil {
		t.Fatal(err)
	}
	page := NewTrainPage(tmpl, net)
	stats := page.Stats()
	net.Lock()
	err = net.Train(true)
	net.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	// stats frame is served concurrently with the training goroutine updating the results
	deadline := time.Now().Add(time.Minute)
	var body string
	for {
		w := httptest.NewRecorder()
		stats(w, httptest.NewRequest("GET", "/stats", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("stats: got status %d", w.Code)
		}
		body = w.Body.String()
		net.Lock()
		latest := page.LatestStats(5)
		running := net.Running()
		net.Unlock()
		if len(latest) > 5 {
			t.Fatalf("got %d latest stats", len(latest))
		}
		if !running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for training to complete")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(body, "<th>epoch</th>") {
		t.Error("stats frame missing table:", body)
	}
	if net.Epoch != 3 || len(net.Stats) != 3 || len(net.History) != 1 {
		t.Errorf("epoch=%d stats=%d history=%d", net.Epoch, len(net.Stats), len(net.History))
	}
	if len(net.Pred["valid"]) != 20 {
		t.Errorf("got %d valid predictions", len(net.Pred["valid"]))
	}
	if !nnet.FileExists("test.net") {
		t.Error("network state not saved")
	}
	saved, err := LoadNetwork("test", false)
	if err != nil {
		t.Fatal(err)
	}
	if saved.RunID != net.RunID || len(saved.Params) != 2 {
		t.Errorf("saved run=%s params=%d", saved.RunID, len(saved.Params))
	}
}
