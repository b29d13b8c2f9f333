package nnet

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jnb666/cifarnet/num"
	"github.com/jnb666/cifarnet/stats"
)

// smoothing period for the average validation loss
const emaPeriod = 10

// Training statistics
type Stats struct {
	Epoch     int
	Values    []float64
	BestSince int
	Elapsed   time.Duration
}

// StatsHeaders returns the names of the values recorded in each Stats entry.
func StatsHeaders(d map[string]Data) []string {
	h := []string{"loss", "accuracy"}
	for _, key := range DataTypes[1:] {
		if _, ok := d[key]; ok {
			h = append(h, key+" loss", key+" accuracy")
			if key == "valid" {
				h = append(h, "valid avg")
			}
		}
	}
	return h
}

// Format the stats values, accuracy values are shown as a percentage.
func (s Stats) Format(headers []string) []string {
	str := make([]string, len(s.Values))
	for i, v := range s.Values {
		if strings.HasSuffix(headers[i], "accuracy") {
			str[i] = fmt.Sprintf("%6.2f%%", v*100)
		} else {
			str[i] = fmt.Sprintf("%7.4f", v)
		}
	}
	return str
}

// Get returns the value for the given header, or false if it is not recorded.
func (s Stats) Get(headers []string, name string) (float64, bool) {
	for i, h := range headers {
		if h == name && i < len(s.Values) {
			return s.Values[i], true
		}
	}
	return 0, false
}

// Tester interface to evaluate the performance after each epoch, Test method returns true if training should stop.
type Tester interface {
	Test(net *Network, epoch int, loss, accuracy float64, start time.Time) bool
}

// Tester which evaluates the loss and accuracy for each of the test data sets and updates the stats.
type TestBase struct {
	Net     *Network
	Data    map[string]*Dataset
	Pred    map[string][]int32
	Stats   []Stats
	Headers []string
}

// Create a new base class which implements the Tester interface.
func NewTestBase() *TestBase {
	return &TestBase{Stats: []Stats{}}
}

// Initialise the test datasets and network. The network has the same layers as the training
// network with the batch size set from TestBatch.
func (t *TestBase) Init(queue num.Queue, conf Config, data map[string]Data, rng *rand.Rand) *TestBase {
	t.Data = make(map[string]*Dataset)
	t.Headers = StatsHeaders(data)
	t.Pred = nil
	t.release()
	for _, key := range DataTypes[1:] {
		d, ok := data[key]
		if !ok {
			continue
		}
		if conf.DebugLevel >= 1 {
			fmt.Printf("init tester: %s samples=%d batch size=%d\n", key, d.Len(), conf.TestBatch)
		}
		dset := NewDataset(queue.Dev(), d, conf.TestBatch, 0, false, rng)
		CheckErr(dset.SetTrans(conf.Normalise, false))
		t.Data[key] = dset
	}
	batchSize := 0
	for _, dset := range t.Data {
		if batchSize != 0 && dset.BatchSize != batchSize {
			panic("tester: test and valid datasets must have the same batch size, set TestBatch")
		}
		batchSize = dset.BatchSize
	}
	if batchSize > 0 {
		t.Net = New(queue, conf, batchSize, data["train"].Shape(), rng)
	}
	return t
}

func (t *TestBase) release() {
	if t.Net != nil {
		t.Net.Release()
		t.Net = nil
	}
}

// Generate the predicted results when test is next run.
func (t *TestBase) Predict() *TestBase {
	t.Pred = make(map[string][]int32)
	for key, dset := range t.Data {
		t.Pred[key] = make([]int32, dset.Samples)
	}
	return t
}

// Reset stats prior to new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
}

// Test performance of the network, called from the Train function on completion of each epoch.
func (t *TestBase) Test(net *Network, epoch int, loss, accuracy float64, start time.Time) bool {
	if net.DebugLevel >= 1 {
		fmt.Printf("== TEST EPOCH %d ==\n", epoch)
	}
	s := Stats{Epoch: epoch, Values: []float64{loss, accuracy}, BestSince: -1}
	if t.Net != nil {
		net.CopyTo(t.Net)
	}
	for _, key := range DataTypes[1:] {
		dset, ok := t.Data[key]
		if !ok {
			continue
		}
		var pred []int32
		if t.Pred != nil {
			pred = t.Pred[key]
		}
		testLoss, testAcc := t.Net.Evaluate(dset, pred)
		s.Values = append(s.Values, testLoss, testAcc)
		if key == "valid" {
			// average validation loss and number of epochs since the best value
			ix := len(s.Values)
			avg := testLoss
			if n := len(t.Stats); n > 0 {
				avg = stats.EMA(t.Stats[n-1].Values[ix]).Add(testLoss, emaPeriod)
			}
			s.Values = append(s.Values, avg)
			best, bestEpoch := avg, epoch
			for _, prev := range t.Stats {
				if prev.Values[ix] < best {
					best, bestEpoch = prev.Values[ix], prev.Epoch
				}
			}
			s.BestSince = epoch - bestEpoch
		}
	}
	s.Elapsed = time.Since(start)
	t.Stats = append(t.Stats, s)
	return epoch >= net.MaxEpoch || (net.MinLoss > 0 && loss <= net.MinLoss) || (net.StopAfter > 0 && s.BestSince >= net.StopAfter)
}

// Tester which logs stats to stdout every LogEvery epochs.
type TestLogger struct {
	*TestBase
}

// Create a new tester which logs stats to stdout.
func NewTestLogger(queue num.Queue, conf Config, data map[string]Data, rng *rand.Rand) TestLogger {
	return TestLogger{TestBase: NewTestBase().Init(queue, conf, data, rng)}
}

func (t TestLogger) Test(net *Network, epoch int, loss, accuracy float64, start time.Time) bool {
	done := t.TestBase.Test(net, epoch, loss, accuracy, start)
	s := t.Stats[len(t.Stats)-1]
	if done || net.LogEvery <= 1 || epoch%net.LogEvery == 0 {
		fmt.Println(t.FormatStats(s))
	}
	if done {
		fmt.Printf("run time: %s\n", s.Elapsed.Round(10*time.Millisecond))
	}
	return done
}

// FormatStats returns a one line summary of the stats for an epoch
func (t *TestBase) FormatStats(s Stats) string {
	msg := fmt.Sprintf("epoch %3d:", s.Epoch)
	for i, val := range s.Format(t.Headers) {
		msg += fmt.Sprintf("  %s =%s", t.Headers[i], val)
	}
	if s.BestSince >= 0 {
		msg += fmt.Sprintf(" [%d]", s.BestSince)
	}
	return msg
}

// Train the network on the given training set by updating the weights. Training stops when the
// tester returns true or if the context is cancelled, in which case the context error is returned.
func Train(ctx context.Context, net *Network, dset *Dataset, test Tester) error {
	return TrainFrom(ctx, net, dset, test, 1)
}

// TrainFrom continues training from the given epoch number.
func TrainFrom(ctx context.Context, net *Network, dset *Dataset, test Tester, first int) error {
	done := false
	start := time.Now()
	for epoch := first; epoch <= net.MaxEpoch && !done; epoch++ {
		loss, acc, err := trainEpoch(ctx, net, dset)
		if err != nil {
			return err
		}
		done = test.Test(net, epoch, loss, acc, start)
	}
	return nil
}

// TrainManual runs a fixed number of epochs with an explicit loop over the batches. Each epoch the
// samples are shuffled and split into full batches with any remainder dropped, then for each batch
// the network does a forward pass, computes the loss gradient, back propagates and updates the weights.
// The tester is called after each epoch and may end training early.
func TrainManual(ctx context.Context, net *Network, dset *Dataset, test Tester) error {
	dset.SetDropRemainder(true)
	start := time.Now()
	for epoch := 1; epoch <= net.MaxEpoch; epoch++ {
		dset.Shuffle()
		dset.NextEpoch()
		net.ResetTotals()
		for batch := 0; batch < dset.Batches; batch++ {
			if err := ctx.Err(); err != nil {
				dset.Wait()
				return err
			}
			x, y, yOneHot, _ := dset.NextBatch()
			net.TrainStep(x, y, yOneHot)
		}
		loss, acc := net.Totals()
		if test.Test(net, epoch, loss, acc, start) {
			break
		}
	}
	return nil
}

// Perform one training epoch on dataset, returns the mean loss and accuracy over the batches.
func TrainEpoch(net *Network, dset *Dataset) (loss, accuracy float64) {
	loss, accuracy, _ = trainEpoch(context.Background(), net, dset)
	return
}

func trainEpoch(ctx context.Context, net *Network, dset *Dataset) (loss, accuracy float64, err error) {
	if net.Shuffle {
		dset.Shuffle()
	}
	net.ResetTotals()
	dset.NextEpoch()
	for batch := 0; batch < dset.Batches; batch++ {
		if err = ctx.Err(); err != nil {
			dset.Wait()
			return
		}
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("== train batch %d ==\n", batch)
		}
		x, y, yOneHot, _ := dset.NextBatch()
		net.TrainStep(x, y, yOneHot)
	}
	loss, accuracy = net.Totals()
	return
}
