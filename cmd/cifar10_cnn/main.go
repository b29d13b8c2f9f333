// Write the default config for a small convolutional network on the CIFAR-10 data set.
package main

import (
	"flag"
	"fmt"

	"github.com/jnb666/cifarnet/nnet"
)

func main() {
	var name string
	flag.StringVar(&name, "name", "cifar10_cnn", "model name")
	flag.Parse()

	conf := nnet.Config{
		DataSet:       "cifar10",
		Optimizer:     "adam",
		Eta:           0.001,
		WeightInit:    nnet.GlorotUniform,
		MaxEpoch:      10,
		TrainBatch:    64,
		TestBatch:     500,
		Shuffle:       true,
		DropRemainder: true,
		LogEvery:      1,
		RandSeed:      42,
	}.AddLayers(
		nnet.Conv{Nfeats: 32, Size: 3},
		nnet.Activation{Atype: "relu"},
		nnet.Conv{Nfeats: 64, Size: 3},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2},
		nnet.Dropout{Ratio: 0.25},
		nnet.Flatten{},
		nnet.Linear{Nout: 128},
		nnet.Activation{Atype: "relu"},
		nnet.Dropout{Ratio: 0.5},
		nnet.Linear{Nout: 10},
		nnet.Activation{Atype: "softmax"},
	)
	fmt.Println(conf)
	nnet.CheckErr(conf.SaveDefault(name))
}
