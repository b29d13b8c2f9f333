// Download the CIFAR-10 binary data set and convert it to data files for training.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"

	"github.com/jnb666/cifarnet/cifar10"
	"github.com/jnb666/cifarnet/img"
	"github.com/jnb666/cifarnet/nnet"
)

func main() {
	log.SetFlags(0)
	var (
		url    string
		name   string
		nvalid int
	)
	flag.StringVar(&url, "url", cifar10.URL, "location of the binary archive")
	flag.StringVar(&name, "name", "cifar10", "data set name")
	flag.IntVar(&nvalid, "valid", 5000, "number of training images to hold back for validation")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dir := path.Join(nnet.DataDir, "cifar-10")
	nnet.CheckErr(cifar10.Download(ctx, url, dir))

	train, test, err := cifar10.Load(dir)
	nnet.CheckErr(err)
	if nvalid < 0 || nvalid >= train.Len() {
		log.Fatalf("invalid validation set size %d", nvalid)
	}

	data := map[string]*img.Data{"test": test}
	if nvalid > 0 {
		data["train"], data["valid"], err = train.Split(nvalid)
		nnet.CheckErr(err)
	} else {
		data["train"] = train
		train.Mean, train.StdDev = img.GetStats(train.Images)
	}
	// test set is normalised with the training stats
	test.Mean, test.StdDev = data["train"].Mean, data["train"].StdDev
	fmt.Printf("mean=%.4f stddev=%.4f\n", test.Mean, test.StdDev)
	for _, key := range nnet.DataTypes {
		if d, ok := data[key]; ok {
			nnet.CheckErr(nnet.SaveDataFile(d, name+"_"+key))
		}
	}
}
