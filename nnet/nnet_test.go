package nnet

import (
	"context"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/jnb666/cifarnet/img"
	"github.com/jnb666/cifarnet/num"
	"github.com/pkg/errors"
)

const eps = 1e-5

func compare(t *testing.T, title string, got, expect []float32) {
	t.Helper()
	if len(got) != len(expect) {
		t.Fatalf("%s: length mismatch %d != %d", title, len(got), len(expect))
	}
	for i := range got {
		if math.Abs(float64(got[i]-expect[i])) > eps {
			t.Errorf("%s: mismatch at %d: got %v expect %v", title, i, got, expect)
			return
		}
	}
}

// images with the label given by the index of the brightest half of the image
func splitData(n, size int, rng *rand.Rand) *img.Data {
	images := make([]*img.Image, n)
	labels := make([]int32, n)
	for i := range images {
		m := img.NewImage(size, size, 3)
		label := int32(rng.Intn(2))
		for ch := 0; ch < 3; ch++ {
			pix := m.Pixels(ch)
			for x := 0; x < size; x++ {
				for y := 0; y < size; y++ {
					val := 0.2 * rng.Float32()
					if (x < size/2) == (label == 0) {
						val += 0.8
					}
					pix[y+x*size] = val
				}
			}
		}
		images[i], labels[i] = m, label
	}
	return img.NewData([]string{"left", "right"}, labels, images)
}

// n images of 1x2 pixels where the label is the index of the sample
func indexData(n int) *img.Data {
	images := make([]*img.Image, n)
	labels := make([]int32, n)
	classes := make([]string, n)
	for i := range images {
		images[i] = img.NewImage(2, 1, 1)
		images[i].Pix[0] = float32(i)
		labels[i] = int32(i)
		classes[i] = string(rune('a' + i))
	}
	return img.NewData(classes, labels, images)
}

func readLabels(q num.Queue, y num.Array) []int32 {
	res := make([]int32, y.Size())
	q.Call(num.Read(y, res)).Finish()
	return res
}

func TestLinear(t *testing.T) {
	dev := num.NewDevice()
	q := dev.NewQueue(1)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(1))
	layer := Linear{Nout: 2}.Marshal().Unmarshal().Init(q, []int{3, 2}, nil, rng).(ParamLayer)
	if out := layer.OutShape(); !num.SameShape(out, []int{2, 2}) {
		t.Fatal("invalid output shape", out)
	}
	W, B := layer.Params()
	x := q.NewArray(num.Float32, 3, 2)
	grad := q.NewArray(num.Float32, 2, 2)
	q.Call(
		num.Write(W, []float32{1, 0, 1, 0, 1, 1}),
		num.Write(B, []float32{0.5, 0}),
		num.Write(x, []float32{1, 2, 3, 0, 1, 0}),
		num.Write(grad, []float32{1, 0, 0, 1}),
	)
	out := make([]float32, 4)
	q.Call(num.Read(layer.Fprop(x, true), out)).Finish()
	compare(t, "fprop", out, []float32{4.5, 5, 0.5, 1})

	dsrc := make([]float32, 6)
	q.Call(num.Read(layer.Bprop(grad), dsrc)).Finish()
	dW, dB := layer.ParamGrads()
	dw, db := make([]float32, 6), make([]float32, 2)
	q.Call(num.Read(dW, dw), num.Read(dB, db)).Finish()
	compare(t, "dsrc", dsrc, []float32{1, 0, 1, 0, 1, 1})
	compare(t, "dw", dw, []float32{1, 2, 3, 0, 1, 0})
	compare(t, "db", db, []float32{1, 1})
}

func TestActivation(t *testing.T) {
	dev := num.NewDevice()
	q := dev.NewQueue(1)
	defer q.Shutdown()
	layer := Activation{Atype: "relu"}.Marshal().Unmarshal().Init(q, []int{2, 2}, nil, nil)
	x := q.NewArray(num.Float32, 2, 2)
	grad := q.NewArray(num.Float32, 2, 2)
	q.Call(
		num.Write(x, []float32{-1, 2, 3, -4}),
		num.Write(grad, []float32{1, 1, 1, 1}),
	)
	out, dsrc := make([]float32, 4), make([]float32, 4)
	q.Call(num.Read(layer.Fprop(x, false), out)).Finish()
	q.Call(num.Read(layer.Bprop(grad), dsrc)).Finish()
	compare(t, "relu", out, []float32{0, 2, 3, 0})
	compare(t, "relu grad", dsrc, []float32{0, 1, 1, 0})

	if _, err := (LayerConfig{Type: "activation", Data: []byte(`{"Atype":"elu"}`)}).unmarshal(); err == nil {
		t.Error("expecting error for invalid activation")
	}
}

func TestDropoutLayer(t *testing.T) {
	dev := num.NewDevice()
	q := dev.NewQueue(1)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(42))
	layer := Dropout{Ratio: 0.5}.Marshal().Unmarshal().Init(q, []int{100, 2}, nil, rng)
	x := q.NewArray(num.Float32, 100, 2)
	q.Call(num.Fill(x, 1))
	if out := layer.Fprop(x, false); out != x {
		t.Error("expecting input to be passed through in test mode")
	}
	res := make([]float32, 200)
	q.Call(num.Read(layer.Fprop(x, true), res)).Finish()
	zeros := 0
	for _, v := range res {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatal("invalid dropout output", v)
		}
	}
	t.Log("zeros:", zeros)
	if zeros < 60 || zeros > 140 {
		t.Error("unexpected number of dropped values", zeros)
	}
}

func TestFlatten(t *testing.T) {
	dev := num.NewDevice()
	q := dev.NewQueue(1)
	defer q.Shutdown()
	layer := Flatten{}.Marshal().Unmarshal().Init(q, []int{4, 4, 3, 5}, nil, nil)
	if out := layer.OutShape(); !num.SameShape(out, []int{48, 5}) {
		t.Error("invalid output shape", out)
	}
	x := q.NewArray(num.Float32, 4, 4, 3, 5)
	if dims := layer.Bprop(layer.Fprop(x, true)).Dims(); !num.SameShape(dims, x.Dims()) {
		t.Error("invalid bprop shape", dims)
	}
}

func testConfig() Config {
	return Config{
		DataSet:    "test",
		Optimizer:  "adam",
		Eta:        0.01,
		WeightInit: GlorotUniform,
		Shuffle:    true,
		TrainBatch: 16,
		TestBatch:  16,
		MaxEpoch:   8,
		LogEvery:   1,
		RandSeed:   1,
	}.AddLayers(
		Conv{Nfeats: 4, Size: 3, Pad: true},
		Activation{Atype: "relu"},
		MaxPool{Size: 2},
		Dropout{Ratio: 0.25},
		Flatten{},
		Linear{Nout: 8},
		Activation{Atype: "relu"},
		Linear{Nout: 2},
		Activation{Atype: "softmax"},
	)
}

func TestConfig(t *testing.T) {
	defer func(dir string) { DataDir = dir }(DataDir)
	DataDir = t.TempDir()
	conf, err := testConfig().Validate()
	if err != nil {
		t.Fatal(err)
	}
	if conf.Beta1 != 0.9 || conf.Beta2 != 0.999 {
		t.Error("adam defaults not set", conf.Beta1, conf.Beta2)
	}
	t.Log(conf)
	for _, name := range []string{"test.conf", "test.yaml"} {
		if err := conf.Save(name); err != nil {
			t.Fatal(err)
		}
		c, err := LoadConfig(name)
		if err != nil {
			t.Fatal(err)
		}
		if len(c.Layers) != len(conf.Layers) {
			t.Fatalf("%s: got %d layers", name, len(c.Layers))
		}
		for i, l := range c.Layers {
			if l.String() != conf.Layers[i].String() {
				t.Errorf("%s: layer %d got %s expect %s", name, i, l, conf.Layers[i])
			}
		}
		settings := conf.Copy()
		c.Layers, settings.Layers = nil, nil
		if !reflect.DeepEqual(c, settings) {
			t.Errorf("%s: config mismatch\n%s", name, c)
		}
	}
	if c, err := conf.SetString("Eta", "0.5"); err != nil || c.Eta != 0.5 {
		t.Error("SetString failed", err)
	}
	if _, err := conf.SetString("Bogus", "1"); err == nil {
		t.Error("expecting error for invalid field")
	}
	bad := conf.Copy()
	bad.Layers = append(bad.Layers, LayerConfig{Type: "unknown"})
	if _, err := bad.Validate(); err == nil {
		t.Error("expecting error for invalid layer")
	}
	bad.Layers = conf.Layers
	bad.Optimizer = "rmsprop"
	if _, err := bad.Validate(); err == nil {
		t.Error("expecting error for invalid optimizer")
	}
}

func TestDataset(t *testing.T) {
	dev := num.NewDevice()
	q := dev.NewQueue(1)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(1))
	data := indexData(10)

	d := NewDataset(dev, data, 4, 0, false, rng)
	defer d.Release()
	if d.Batches != 3 {
		t.Fatal("expecting 3 batches, got", d.Batches)
	}
	d.NextEpoch()
	var valid []int
	var labels [][]int32
	for i := 0; i < d.Batches; i++ {
		_, y, _, n := d.NextBatch()
		valid = append(valid, n)
		labels = append(labels, readLabels(q, y))
	}
	if !reflect.DeepEqual(valid, []int{4, 4, 2}) {
		t.Error("valid counts got", valid)
	}
	if !reflect.DeepEqual(labels[2], []int32{8, 9, 0, 1}) {
		t.Error("last batch got", labels[2])
	}

	d2 := NewDataset(dev, data, 4, 0, true, rng)
	defer d2.Release()
	if d2.Batches != 2 {
		t.Fatal("expecting 2 batches with drop remainder, got", d2.Batches)
	}
	d2.Shuffle()
	d2.NextEpoch()
	seen := map[int32]bool{}
	for i := 0; i < d2.Batches; i++ {
		_, y, yOneHot, n := d2.NextBatch()
		if n != 4 {
			t.Error("expecting full batch, got", n)
		}
		hot := make([]float32, yOneHot.Size())
		q.Call(num.Read(yOneHot, hot)).Finish()
		for j, label := range readLabels(q, y) {
			seen[label] = true
			if hot[j*10+int(label)] != 1 {
				t.Errorf("one hot mismatch for label %d", label)
			}
		}
	}
	if len(seen) != 8 {
		t.Error("expecting 8 distinct samples, got", len(seen))
	}

	d3 := NewDataset(dev, data, 2, 6, false, rng)
	defer d3.Release()
	d3.Shuffle()
	if d3.Samples != 6 || len(d3.Indexes()) != 6 || d3.Batches != 3 {
		t.Error("invalid max samples", d3.Samples, d3.Indexes(), d3.Batches)
	}
}

func TestEvaluate(t *testing.T) {
	dev := num.NewDevice()
	q := dev.NewQueue(1)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(1))
	// label is the index of the sample, first pixel holds the index so the net below picks class 0 or 1
	data := indexData(5)
	conf := Config{Eta: 0.1}.AddLayers(Flatten{}, Linear{Nout: 5}, Activation{Atype: "softmax"})
	net := New(q, conf, 2, data.Shape(), rng)
	defer net.Release()
	W, B := net.Layers[1].(ParamLayer).Params()
	w := make([]float32, 10)
	// output 1 = input 0, output 0 = 0.5
	w[2] = 1
	q.Call(
		num.Write(W, w),
		num.Write(B, []float32{0.5, 0, 0, 0, 0}),
	)
	dset := NewDataset(dev, data, 2, 0, false, rng)
	defer dset.Release()
	pred := make([]int32, 5)
	loss, acc := net.Evaluate(dset, pred)
	t.Logf("loss=%.4f acc=%.3f pred=%v", loss, acc, pred)
	if !reflect.DeepEqual(pred, []int32{0, 1, 1, 1, 1}) {
		t.Error("invalid predictions", pred)
	}
	if math.Abs(acc-0.4) > 1e-9 {
		t.Error("accuracy got", acc)
	}
	if loss <= 0 {
		t.Error("loss got", loss)
	}
}

func TestOptimizer(t *testing.T) {
	for _, name := range []string{"sgd", "adam"} {
		conf, err := Config{Optimizer: name, Eta: 0.1, Lambda: 0.1}.AddLayers(Linear{Nout: 2}, Activation{Atype: "softmax"}).Validate()
		if err != nil {
			t.Fatal(err)
		}
		opt := NewOptimizer(conf)
		t.Log(opt)
		dev := num.NewDevice()
		q := dev.NewQueue(1)
		w, dw := q.NewArray(num.Float32, 2), q.NewArray(num.Float32, 2)
		q.Call(num.Write(w, []float32{1, 1}), num.Write(dw, []float32{1, -1}))
		state := opt.NewState(q, w)
		opt.Step()
		opt.Update(q, w, dw, state, true, 1)
		res := make([]float32, 2)
		q.Call(num.Read(w, res)).Finish()
		if res[0] >= 1 || res[1] <= res[0] {
			t.Errorf("%s: unexpected update %v", name, res)
		}
		q.Shutdown()
	}
}

func TestTrain(t *testing.T) {
	dev := num.NewDevice()
	q := dev.NewQueue(2)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(1))
	conf, err := testConfig().Validate()
	if err != nil {
		t.Fatal(err)
	}
	data := map[string]Data{
		"train": splitData(128, 8, rng),
		"valid": splitData(32, 8, rng),
	}
	net := New(q, conf, conf.TrainBatch, data["train"].Shape(), rng)
	defer net.Release()
	net.InitWeights(rng)
	t.Log(net)
	dset := NewDataset(dev, data["train"], conf.TrainBatch, 0, true, rng)
	defer dset.Release()
	tester := NewTestBase().Init(q, conf, data, rng)
	if err := Train(context.Background(), net, dset, tester); err != nil {
		t.Fatal(err)
	}
	if len(tester.Stats) != conf.MaxEpoch {
		t.Fatal("expecting stats for each epoch, got", len(tester.Stats))
	}
	for _, s := range tester.Stats {
		t.Log(tester.FormatStats(s))
	}
	first, last := tester.Stats[0], tester.Stats[len(tester.Stats)-1]
	if last.Values[0] >= first.Values[0] {
		t.Error("training loss did not decrease")
	}
	if acc, _ := last.Get(tester.Headers, "valid accuracy"); acc < 0.9 {
		t.Error("validation accuracy too low", acc)
	}
}

func TestTrainCancel(t *testing.T) {
	dev := num.NewDevice()
	q := dev.NewQueue(1)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(2))
	conf, _ := testConfig().Validate()
	data := splitData(32, 8, rng)
	net := New(q, conf, conf.TrainBatch, data.Shape(), rng)
	net.InitWeights(rng)
	dset := NewDataset(dev, data, conf.TrainBatch, 0, true, rng)
	defer dset.Release()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Train(ctx, net, dset, testerFunc(func(*Network, int, float64, float64, time.Time) bool { return false }))
	if err != context.Canceled {
		t.Error("expecting cancelled error, got", err)
	}
}

func TestTrainManual(t *testing.T) {
	dev := num.NewDevice()
	q := dev.NewQueue(1)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(3))
	conf, _ := testConfig().Validate()
	data := splitData(100, 8, rng)
	net := New(q, conf, conf.TrainBatch, data.Shape(), rng)
	net.InitWeights(rng)
	dset := NewDataset(dev, data, conf.TrainBatch, 0, false, rng)
	defer dset.Release()
	if dset.Batches != 7 {
		t.Fatalf("expecting 7 batches including the partial one, got %d", dset.Batches)
	}
	var losses []float64
	err := TrainManual(context.Background(), net, dset, testerFunc(func(net *Network, epoch int, loss, acc float64, start time.Time) bool {
		t.Logf("epoch %d: loss %.4f accuracy %.3f", epoch, loss, acc)
		losses = append(losses, loss)
		return false
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !dset.DropRemainder || dset.Batches != dset.Samples/dset.BatchSize {
		t.Errorf("remainder not dropped: %d batches of %d for %d samples", dset.Batches, dset.BatchSize, dset.Samples)
	}
	if len(losses) != conf.MaxEpoch || dset.Epoch() != conf.MaxEpoch {
		t.Fatalf("ran %d epochs, expecting %d", len(losses), conf.MaxEpoch)
	}
	if first, last := losses[0], losses[len(losses)-1]; !(last < first) {
		t.Errorf("loss did not decrease: first %.4f last %.4f", first, last)
	}

	// tester can end the run early
	epochs := 0
	err = TrainManual(context.Background(), net, dset, testerFunc(func(_ *Network, epoch int, _, _ float64, _ time.Time) bool {
		epochs++
		return epoch >= 2
	}))
	if err != nil || epochs != 2 {
		t.Errorf("early stop: ran %d epochs, err=%v", epochs, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = TrainManual(ctx, net, dset, testerFunc(func(*Network, int, float64, float64, time.Time) bool { return false }))
	if !errors.Is(err, context.Canceled) {
		t.Error("expecting cancelled error, got", err)
	}
}

type testerFunc func(net *Network, epoch int, loss, acc float64, start time.Time) bool

func (f testerFunc) Test(net *Network, epoch int, loss, acc float64, start time.Time) bool {
	return f(net, epoch, loss, acc, start)
}
