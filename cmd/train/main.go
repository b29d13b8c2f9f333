// Train a network from the command line, either using the built in training loop or a manual
// loop over the batches. The test accuracy, confusion matrix and loss and accuracy curves are
// generated when training completes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"

	"github.com/google/uuid"
	"github.com/jnb666/cifarnet/nnet"
	"github.com/jnb666/cifarnet/num"
	"github.com/jnb666/cifarnet/plots"
	"github.com/jnb666/cifarnet/stats"
	"github.com/pkg/errors"
)

const (
	plotWidth  = 600
	plotHeight = 400
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Println("Usage: train [opts] <model>")
		os.Exit(1)
	}
	model := os.Args[len(os.Args)-1]
	fmt.Println("load model:", model)
	conf, err := nnet.LoadConfig(model + ".conf")
	nnet.CheckErr(err)

	// override config settings from command line
	var manual bool
	var plotDir string
	flag.BoolVar(&manual, "manual", false, "use manual training loop")
	flag.StringVar(&plotDir, "plots", ".", "directory for loss and accuracy plots, blank to skip")
	flag.StringVar(&conf.Optimizer, "opt", conf.Optimizer, "optimizer: sgd or adam")
	flag.Float64Var(&conf.Eta, "eta", conf.Eta, "learning rate")
	flag.Float64Var(&conf.Lambda, "lambda", conf.Lambda, "weight decay parameter")
	flag.Int64Var(&conf.RandSeed, "seed", conf.RandSeed, "random number seed")
	flag.IntVar(&conf.MaxEpoch, "epochs", conf.MaxEpoch, "max epochs")
	flag.IntVar(&conf.MaxSamples, "samples", conf.MaxSamples, "max samples")
	flag.IntVar(&conf.TrainBatch, "batch", conf.TrainBatch, "train batch size")
	flag.IntVar(&conf.TestBatch, "testbatch", conf.TestBatch, "test batch size")
	flag.IntVar(&conf.Threads, "threads", conf.Threads, "number of worker threads")
	flag.IntVar(&conf.DebugLevel, "debug", conf.DebugLevel, "debug logging level")
	flag.BoolVar(&conf.Profile, "profile", conf.Profile, "print profiling info")
	flag.Parse()
	if manual {
		conf.DropRemainder = true
	}
	conf, err = conf.Validate()
	nnet.CheckErr(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println(num.CPUInfo())
	dev := num.NewDevice()
	q := dev.NewQueue(conf.Threads)
	rng := nnet.SetSeed(conf.RandSeed)

	// load training and test data
	data, err := nnet.LoadData(conf.DataSet)
	nnet.CheckErr(err)
	trainData := nnet.NewDataset(dev, data["train"], conf.TrainBatch, conf.MaxSamples, conf.DropRemainder, rng)
	nnet.CheckErr(trainData.SetTrans(conf.Normalise, conf.Distort))

	// initialise weights
	q.Profiling(conf.Profile)
	net := nnet.New(q, conf, trainData.BatchSize, trainData.Shape(), rng)
	fmt.Println(net)
	net.InitWeights(rng)
	tester := nnet.NewTestLogger(q, conf, data, rng)
	tester.Predict()

	runID := uuid.NewString()
	fmt.Printf("run %s: %d samples, %d batches of %d\n", runID, trainData.Samples, trainData.Batches, trainData.BatchSize)
	if manual {
		err = nnet.TrainManual(ctx, net, trainData, tester)
	} else {
		err = nnet.Train(ctx, net, trainData, tester)
	}
	if errors.Is(err, context.Canceled) {
		fmt.Println("training interrupted")
	} else {
		nnet.CheckErr(err)
	}

	if len(tester.Stats) > 0 {
		report(tester.TestBase, data)
		if plotDir != "" {
			nnet.CheckErr(savePlots(plotDir, runID, tester.Stats, tester.Headers))
		}
	}
	trainData.Release()
	if tester.Net != nil {
		tester.Net.Release()
	}
	net.Release()
	q.Shutdown()
}

// print the final stats and confusion matrix for the test set, or validation set if there is no test data
func report(test *nnet.TestBase, data map[string]nnet.Data) {
	s := test.Stats[len(test.Stats)-1]
	for _, key := range []string{"test", "valid"} {
		d, ok := data[key]
		if !ok {
			continue
		}
		loss, _ := s.Get(test.Headers, key+" loss")
		acc, _ := s.Get(test.Headers, key+" accuracy")
		fmt.Printf("%s loss: %.4f  accuracy: %.2f%%\n", key, loss, acc*100)
		labels := make([]int32, d.Len())
		d.Label(seq(d.Len()), labels)
		c := stats.NewConfusion(d.Classes())
		c.AddAll(labels, test.Pred[key])
		fmt.Printf("== %s confusion matrix ==\n%s\n", key, c)
		return
	}
}

func savePlots(dir, runID string, s []nnet.Stats, headers []string) error {
	loss, err := plots.Loss(s, headers)
	if err != nil {
		return err
	}
	if err = plots.Save(loss, plotWidth, plotHeight, path.Join(dir, "loss.svg")); err != nil {
		return err
	}
	acc, err := plots.Accuracy(s, headers)
	if err != nil {
		return err
	}
	if err = plots.Save(acc, plotWidth, plotHeight, path.Join(dir, "accuracy.svg")); err != nil {
		return err
	}
	log.Printf("run %s: saved plots to %s\n", runID, dir)
	return nil
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
