// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/jnb666/cifarnet/num"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers     []Layer
	BatchSize  int
	queue      num.Queue
	optimizer  Optimizer
	classes    num.Array
	diffs      num.Array
	batchErr   num.Array
	batchLoss  num.Array
	totalErr   num.Array
	totalLoss  num.Array
	inputGrad  num.Array
	inShape    []int
	lossBuf    []float32
	classBuf   []int32
	labelBuf   []int32
	totalCount int
}

// New function creates a new network with the given layers. inShape is the shape of each input sample,
// batch size is appended as the final dimension. The final layer must implement OutputLayer.
func New(queue num.Queue, conf Config, batchSize int, inShape []int, rng *rand.Rand) *Network {
	n := &Network{Config: conf, BatchSize: batchSize, queue: queue}
	n.inShape = append(append([]int{}, inShape...), batchSize)
	shape := n.inShape
	var prev Layer
	for _, l := range conf.Layers {
		layer := l.Unmarshal().Init(queue, shape, prev, rng)
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape()
		prev = layer
	}
	if _, ok := prev.(OutputLayer); !ok {
		panic(fmt.Sprintf("final layer %v is not an output layer", prev))
	}
	classes := shape[0]
	n.optimizer = NewOptimizer(conf)
	n.classes = queue.NewArray(num.Int32, batchSize)
	n.diffs = queue.NewArray(num.Int32, batchSize)
	n.batchErr = queue.NewArray(num.Float32)
	n.batchLoss = queue.NewArray(num.Float32)
	n.totalErr = queue.NewArray(num.Float32)
	n.totalLoss = queue.NewArray(num.Float32)
	n.inputGrad = queue.NewArray(num.Float32, classes, batchSize)
	n.lossBuf = make([]float32, classes*batchSize)
	n.classBuf = make([]int32, batchSize)
	n.labelBuf = make([]int32, batchSize)
	return n
}

// Release allocated arrays
func (n *Network) Release() {
	for _, layer := range n.Layers {
		layer.Release()
	}
	num.Release(n.classes, n.diffs, n.batchErr, n.batchLoss, n.totalErr, n.totalLoss, n.inputGrad)
}

// Queue returns the queue used to execute the network operations
func (n *Network) Queue() num.Queue { return n.queue }

// Optimizer returns the optimizer used by UpdateParams
func (n *Network) Optimizer() Optimizer { return n.optimizer }

// Initialise network weights using the WeightInit distribution, biases are set to Bias.
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			l.InitParams(n.WeightInit, float32(n.Bias), rng)
		}
	}
	n.optimizer = NewOptimizer(n.Config)
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Copy weights and bias arrays to destination net
func (n *Network) CopyTo(net *Network) {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			net.Layers[i].(ParamLayer).SetParams(W, B)
		}
	}
}

// Accessor for output layer
func (n *Network) OutLayer() OutputLayer {
	return n.Layers[len(n.Layers)-1].(OutputLayer)
}

// Feed forward the input to get the predicted output. Dropout is only applied if trainMode is set.
func (n *Network) Fprop(input num.Array, trainMode bool) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 {
			fmt.Printf("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(pred, trainMode)
	}
	return pred
}

// Predict output given input data, the predicted class for each sample is written to classes.
func (n *Network) Predict(input, classes num.Array) num.Array {
	yPred := n.Fprop(input, false)
	if n.DebugLevel >= 3 {
		fmt.Printf("yPred\n%s", yPred.String(n.queue))
	}
	n.queue.Call(num.Unhot(yPred, classes))
	return yPred
}

// Loss returns the loss per sample for the predicted output from the last Fprop call.
func (n *Network) Loss(yOneHot, yPred num.Array) num.Array {
	return n.OutLayer().Loss(yOneHot, yPred)
}

// OutputGrad returns the loss gradient at the input to the output layer, i.e. yPred - yOneHot.
func (n *Network) OutputGrad(yOneHot, yPred num.Array) num.Array {
	n.queue.Call(
		num.Copy(n.inputGrad, yPred),
		num.Axpy(-1, yOneHot, n.inputGrad),
	)
	return n.inputGrad
}

// Back propagate the gradient through each layer
func (n *Network) Bprop(grad num.Array) num.Array {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		grad = n.Layers[i].Bprop(grad)
	}
	return grad
}

// Update the weights using the gradients from the last Bprop call.
func (n *Network) UpdateParams() {
	n.optimizer.Step()
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			l.UpdateParams(n.optimizer)
		}
	}
}

// TrainStep runs one forward and backward pass over the batch and updates the weights.
// Loss and error counts are added to the running totals. Returns once the update is complete so
// the input arrays can be reused.
func (n *Network) TrainStep(x, y, yOneHot num.Array) {
	yPred := n.Fprop(x, true)
	n.queue.Call(
		num.Sum(n.Loss(yOneHot, yPred), n.batchLoss, 1),
		num.Axpy(1, n.batchLoss, n.totalLoss),
		num.Unhot(yPred, n.classes),
		num.Neq(n.classes, y, n.diffs),
		num.Sum(n.diffs, n.batchErr, 1),
		num.Axpy(1, n.batchErr, n.totalErr),
	)
	n.totalCount += n.BatchSize
	n.Bprop(n.OutputGrad(yOneHot, yPred))
	n.UpdateParams()
	n.queue.Finish()
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// ResetTotals clears the running loss and error totals
func (n *Network) ResetTotals() {
	n.queue.Call(
		num.Fill(n.totalLoss, 0),
		num.Fill(n.totalErr, 0),
	)
	n.totalCount = 0
}

// Totals returns the mean loss and accuracy over the batches since the last ResetTotals call
func (n *Network) Totals() (loss, accuracy float64) {
	if n.totalCount == 0 {
		return 0, 0
	}
	res := make([]float32, 2)
	n.queue.Call(
		num.Read(n.totalLoss, res[:1]),
		num.Read(n.totalErr, res[1:]),
	).Finish()
	count := float64(n.totalCount)
	return float64(res[0]) / count, 1 - float64(res[1])/count
}

// Evaluate calculates the mean loss and accuracy over the dataset. Only valid samples in each
// batch are counted. If pred is not nil then the predicted class for each sample is also returned.
func (n *Network) Evaluate(dset *Dataset, pred []int32) (loss, accuracy float64) {
	if dset.BatchSize != n.BatchSize {
		panic(fmt.Sprintf("Evaluate: batch size mismatch %d != %d", dset.BatchSize, n.BatchSize))
	}
	rows := len(n.lossBuf) / n.BatchSize
	var total float64
	var correct, samples int
	dset.NextEpoch()
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, yOneHot, valid := dset.NextBatch()
		yPred := n.Predict(x, n.classes)
		n.queue.Call(
			num.Read(n.Loss(yOneHot, yPred), n.lossBuf),
			num.Read(n.classes, n.classBuf),
			num.Read(y, n.labelBuf),
		).Finish()
		for i := 0; i < valid; i++ {
			for _, v := range n.lossBuf[i*rows : (i+1)*rows] {
				total += float64(v)
			}
			if n.classBuf[i] == n.labelBuf[i] {
				correct++
			}
		}
		if pred != nil {
			copy(pred[batch*n.BatchSize:], n.classBuf[:valid])
		}
		samples += valid
		if n.DebugLevel >= 2 || (n.DebugLevel >= 1 && batch == 0) {
			fmt.Printf("batch %d: labels %v\npredict %v\n", batch, n.labelBuf[:valid], n.classBuf[:valid])
		}
	}
	if samples == 0 {
		return 0, 0
	}
	return total / float64(samples), float64(correct) / float64(samples)
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-40s %v", i, layer.ToString(), layer.OutShape())
	}
	return fmt.Sprintf("== Network ==\ninput: %v\n%s\noptimizer: %s", n.inShape, strings.Join(s, "\n"), n.optimizer)
}

// Print network weights
func (n *Network) PrintWeights() {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			fmt.Printf("== Layer %d weights ==\n%s %s\n", i, W.String(n.queue), B.String(n.queue))
		}
	}
}

// Set random number seed, or random seed if seed <= 0
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	fmt.Println("random seed =", seed)
	return rand.New(rand.NewSource(seed))
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
