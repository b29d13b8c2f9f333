package nnet

import (
	"fmt"
	"math/rand"
	"os"
	"path"
	"sync"

	"github.com/jnb666/cifarnet/img"
	"github.com/jnb666/cifarnet/num"
	"github.com/pkg/errors"
)

var (
	DataDir   = dataDir()
	DataTypes = []string{"train", "test", "valid"}
)

func dataDir() string {
	if dir := os.Getenv("CIFARNET_DATA"); dir != "" {
		return dir
	}
	return "data"
}

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32, t *img.Transformer)
	Image(ix int, channel string) *img.Image
}

// Dataset type encapsulates a set of training, test or validation data.
type Dataset struct {
	Data
	Samples       int
	BatchSize     int
	Batches       int
	DropRemainder bool
	queue         num.Queue
	trans         *img.Transformer
	xBuffer       []float32
	yBuffer       []int32
	x, y, y1H     [2]num.Array
	valid         [2]int
	indexes       []int
	buf           int
	epoch         int
	batch         int
	rng           *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size and maxSamples.
// If dropRemainder is set then a final partial batch is skipped, else it is filled with samples
// from the start of the epoch which are flagged as not valid.
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, dropRemainder bool, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), DropRemainder: dropRemainder, rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize <= 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	d.setBatches()
	nfeat := num.Prod(data.Shape())
	d.xBuffer = make([]float32, nfeat*d.BatchSize)
	d.yBuffer = make([]int32, d.BatchSize)
	for i := range d.x {
		d.x[i] = dev.NewArray(num.Float32, append(append([]int{}, data.Shape()...), d.BatchSize)...)
		d.y[i] = dev.NewArray(num.Int32, d.BatchSize)
		d.y1H[i] = dev.NewArray(num.Float32, len(d.Classes()), d.BatchSize)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue(0)
	return d
}

// SetTrans sets the image transformations applied when loading each batch
func (d *Dataset) SetTrans(normalise, distort bool) error {
	d.Wait()
	trans := img.GetTransType(normalise, distort)
	if trans == img.NoTrans {
		d.trans = nil
		return nil
	}
	data, ok := d.Data.(*img.Data)
	if !ok {
		return errors.Errorf("transform %s not supported for %T", trans, d.Data)
	}
	d.trans = img.NewTransformer(data, trans, d.rng)
	return nil
}

// Epoch returns the number of epochs started
func (d *Dataset) Epoch() int { return d.epoch }

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		num.Release(d.x[i], d.y[i], d.y1H[i])
	}
	d.queue.Shutdown()
}

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	buf := d.buf
	start := d.batch * d.BatchSize
	go func() {
		end := start + d.BatchSize
		index := d.indexes[start:min(end, d.Samples)]
		d.valid[buf] = len(index)
		if end > d.Samples {
			index = append(append([]int{}, index...), d.indexes[:end-d.Samples]...)
		}
		d.Input(index, d.xBuffer, d.trans)
		d.Label(index, d.yBuffer)
		d.queue.Call(
			num.Write(d.x[buf], d.xBuffer),
			num.Write(d.y[buf], d.yBuffer),
			num.Onehot(d.y[buf], d.y1H[buf], len(d.Classes())),
		).Finish()
		d.Done()
	}()
}

// Get next batch of data. n is the number of valid samples in the batch, which is less than
// BatchSize for the last batch of an epoch if DropRemainder is not set.
func (d *Dataset) NextBatch() (x, y, yOneHot num.Array, n int) {
	d.Wait()
	x, y, yOneHot, n = d.x[d.buf], d.y[d.buf], d.y1H[d.buf], d.valid[d.buf]
	d.batch++
	d.buf = (d.buf + 1) % 2
	if d.batch < d.Batches {
		d.loadBatch()
	}
	return
}

// Called at start of each epoch
func (d *Dataset) NextEpoch() {
	d.Wait()
	d.epoch++
	d.batch = 0
	d.loadBatch()
}

// SetDropRemainder sets whether a final partial batch is skipped and updates the number of batches per epoch.
func (d *Dataset) SetDropRemainder(on bool) {
	d.Wait()
	d.DropRemainder = on
	d.setBatches()
}

func (d *Dataset) setBatches() {
	d.Batches = d.Samples / d.BatchSize
	if d.Samples%d.BatchSize != 0 && !d.DropRemainder {
		d.Batches++
	}
}

// Shuffle the data set, picking a random subset if MaxSamples is less than the number of samples.
func (d *Dataset) Shuffle() {
	d.Wait()
	d.indexes = d.rng.Perm(d.Len())[:d.Samples]
}

// Indexes returns the sample order for the current epoch
func (d *Dataset) Indexes() []int { return d.indexes }

// Load data from disk given the model name.
func LoadData(model string) (map[string]Data, error) {
	d := make(map[string]Data)
	for _, key := range DataTypes {
		name := model + "_" + key
		if FileExists(name + ".dat") {
			data, err := LoadDataFile(name)
			if err != nil {
				return nil, err
			}
			d[key] = data
		}
	}
	if d["train"] == nil {
		return nil, errors.Errorf("no training data for %s in %s", model, DataDir)
	}
	return d, nil
}

// Decode data from file in gob format under DataDir
func LoadDataFile(name string) (*img.Data, error) {
	filePath := path.Join(DataDir, name+".dat")
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "error loading data")
	}
	defer f.Close()
	fmt.Printf("loading data from %s.dat:\t", name)
	d := new(img.Data)
	if err = d.Decode(f); err != nil {
		fmt.Println()
		return nil, errors.Wrapf(err, "error decoding %s", name)
	}
	fmt.Println(append(d.Shape(), d.Len()))
	return d, nil
}

// Encode in gob format and save to file under DataDir
func SaveDataFile(d *img.Data, name string) error {
	filePath := path.Join(DataDir, name+".dat")
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "error saving data")
	}
	fmt.Println("saving data to", name+".dat")
	if err = d.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Check if file exists under DataDir
func FileExists(name string) bool {
	filePath := path.Join(DataDir, name)
	_, err := os.Stat(filePath)
	return err == nil
}
