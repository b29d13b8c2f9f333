package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/jnb666/cifarnet/num"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Layer interface type represents one layer of the neural net.
type Layer interface {
	Init(q num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer
	InShape() []int
	OutShape() []int
	Fprop(in num.Array, trainMode bool) num.Array
	Bprop(grad num.Array) num.Array
	Output() num.Array
	Type() string
	ToString() string
	Release()
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(init InitType, bias float32, rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	SetParams(W, B num.Array)
	UpdateParams(opt Optimizer)
}

// OutputLayer is the final layer in the stack
type OutputLayer interface {
	Layer
	Loss(yOneHot, yPred num.Array) num.Array
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer, panics if the config is invalid
func (l LayerConfig) Unmarshal() Layer {
	layer, err := l.unmarshal()
	if err != nil {
		panic(err)
	}
	return layer
}

func (l LayerConfig) unmarshal() (Layer, error) {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		return cfg.unmarshal(l.Data)
	case "maxPool":
		cfg := new(MaxPool)
		return cfg.unmarshal(l.Data)
	case "dropout":
		cfg := new(Dropout)
		return cfg.unmarshal(l.Data)
	case "linear":
		cfg := new(Linear)
		return cfg.unmarshal(l.Data)
	case "activation":
		cfg := new(Activation)
		return cfg.unmarshal(l.Data)
	case "flatten":
		return &flatten{}, nil
	default:
		return nil, errors.Errorf("invalid layer type: %q", l.Type)
	}
}

func (l LayerConfig) String() string {
	layer, err := l.unmarshal()
	if err != nil {
		return err.Error()
	}
	return layer.ToString()
}

type layerYAML struct {
	Type string                 `yaml:"type"`
	Data map[string]interface{} `yaml:"data,omitempty"`
}

// MarshalYAML encodes the layer settings as a nested map
func (l LayerConfig) MarshalYAML() (interface{}, error) {
	out := layerYAML{Type: l.Type}
	if len(l.Data) > 0 && string(l.Data) != "null" {
		if err := json.Unmarshal(l.Data, &out.Data); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UnmarshalYAML converts the layer settings back to raw JSON
func (l *LayerConfig) UnmarshalYAML(value *yaml.Node) error {
	var in layerYAML
	if err := value.Decode(&in); err != nil {
		return err
	}
	l.Type = in.Type
	l.Data = nil
	if in.Data != nil {
		data, err := json.Marshal(in.Data)
		if err != nil {
			return err
		}
		l.Data = data
	}
	return nil
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride int
	Pad                  bool
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) Type() string { return "conv" }

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c *Conv) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Nfeats < 1 || c.Size < 1 {
		return nil, errors.Errorf("conv: invalid settings %+v", *c)
	}
	if c.Stride == 0 {
		c.Stride = 1
	}
	return &convLayer{Conv: *c}, nil
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) Type() string { return "maxPool" }

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

func (c *MaxPool) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Size < 1 {
		return nil, errors.Errorf("maxPool: invalid size %d", c.Size)
	}
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return &poolLayer{MaxPool: *c}, nil
}

// Dropout layer, zeros a fraction Ratio of the inputs when training.
type Dropout struct {
	Ratio float64
}

func (c Dropout) Marshal() LayerConfig {
	return LayerConfig{Type: "dropout", Data: marshal(c)}
}

func (c Dropout) Type() string { return "dropout" }

func (c Dropout) ToString() string {
	return fmt.Sprintf("dropout %+v", c)
}

func (c *Dropout) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Ratio < 0 || c.Ratio >= 1 {
		return nil, errors.Errorf("dropout: ratio %g out of range", c.Ratio)
	}
	return &dropout{Dropout: *c}, nil
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) Type() string { return "linear" }

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c *Linear) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Nout < 1 {
		return nil, errors.Errorf("linear: invalid output size %d", c.Nout)
	}
	return &linear{Linear: *c}, nil
}

// Sigmoid, tanh, relu or softmax activation layer. Softmax must be the final layer and uses a
// cross entropy loss, other activations use quadratic loss if they are the final layer.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) Type() string { return c.Atype }

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c *Activation) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	layer := &activation{Activation: *c}
	switch c.Atype {
	case "sigmoid":
		layer.activ = num.Sigmoid
		layer.deriv = num.SigmoidD
	case "tanh":
		layer.activ = num.Tanh
		layer.deriv = num.TanhD
	case "relu":
		layer.activ = num.Relu
		layer.deriv = num.ReluD
	case "softmax":
		return &softmax{Activation: *c}, nil
	default:
		return nil, errors.Errorf("activation type %q invalid", c.Atype)
	}
	return layer, nil
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// convolutional layer implementation
type convLayer struct {
	Conv
	paramBase
	*layerDNN
}

func (l *convLayer) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	if len(inShape) != 4 {
		panic("Conv: expect 4 dimensional input")
	}
	h, w, d, n := inShape[0], inShape[1], inShape[2], inShape[3]
	layer := queue.ConvLayer(n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad)
	l.paramBase = newParams(queue, layer.FilterShape(), layer.BiasShape(), n)
	l.fanIn = l.Size * l.Size * d
	l.fanOut = l.Size * l.Size * l.Nfeats
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(queue, layer)
	return l
}

func (l *convLayer) Release() {
	l.paramBase.release()
}

// pool layer implentation
type poolLayer struct {
	MaxPool
	*layerDNN
}

func (l *poolLayer) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	if len(inShape) != 4 {
		panic("MaxPool: expect 4 dimensional input")
	}
	l.layerDNN = newLayerDNN(queue, queue.MaxPoolLayer(inShape, l.Size, l.Stride))
	return l
}

func (l *poolLayer) Release() {}

// linear layer implementation
type linear struct {
	Linear
	layerBase
	paramBase
	ones num.Array
}

func (l *linear) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	if len(inShape) != 2 {
		panic("Linear: expect 2 dimensional input")
	}
	nIn, nBatch := inShape[0], inShape[1]
	l.layerBase = newLayerBase(queue, inShape, []int{l.Nout, nBatch})
	l.paramBase = newParams(queue, []int{nIn, l.Nout}, []int{l.Nout}, nBatch)
	l.fanIn, l.fanOut = nIn, l.Nout
	l.ones = queue.NewArray(num.Float32, nBatch)
	queue.Call(num.Fill(l.ones, 1))
	return l
}

// dst = W' * src + b
func (l *linear) Fprop(in num.Array, trainMode bool) num.Array {
	l.src = in
	l.queue.Call(
		num.Copy(l.dst, l.b.Reshape(l.Nout, 1)),
		num.Gemm(1, 1, l.w, l.src, l.dst, num.Trans, num.NoTrans),
	)
	return l.dst
}

func (l *linear) Bprop(grad num.Array) num.Array {
	l.queue.Call(
		num.Gemv(1, 0, grad, l.ones, l.db, num.NoTrans),
		num.Gemm(1, 0, l.src, grad, l.dw, num.NoTrans, num.Trans),
		num.Gemm(1, 0, l.w, grad, l.dsrc, num.NoTrans, num.NoTrans),
	)
	return l.dsrc
}

func (l *linear) Release() {
	l.paramBase.release()
	num.Release(l.dst, l.dsrc, l.ones)
}

// dropout layer implementation, passes the input through unchanged if not in training mode
type dropout struct {
	Dropout
	layerBase
	mask num.Array
	rng  *rand.Rand
}

func (l *dropout) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	l.layerBase = newLayerBase(queue, inShape, inShape)
	l.mask = queue.NewArray(num.Float32, inShape...)
	l.rng = rng
	return l
}

func (l *dropout) Fprop(in num.Array, trainMode bool) num.Array {
	l.src = in
	if !trainMode || l.Ratio == 0 {
		l.out = in
		return in
	}
	l.queue.Call(num.Dropout(in, l.dst, l.mask, float32(l.Ratio), l.rng))
	l.out = l.dst
	return l.dst
}

func (l *dropout) Bprop(grad num.Array) num.Array {
	if l.Ratio == 0 {
		return grad
	}
	l.queue.Call(num.DropoutD(grad, l.mask, l.dsrc))
	return l.dsrc
}

func (l *dropout) Release() {
	num.Release(l.dst, l.dsrc, l.mask)
}

// activation layers
type activation struct {
	Activation
	layerBase
	activ func(x, y num.Array) num.Function
	deriv func(x, y, z num.Array) num.Function
	loss  num.Array
}

func (l *activation) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	l.layerBase = newLayerBase(queue, inShape, inShape)
	l.loss = queue.NewArray(num.Float32, inShape...)
	return l
}

func (l *activation) Fprop(in num.Array, trainMode bool) num.Array {
	l.src = in
	l.queue.Call(l.activ(l.src, l.dst))
	return l.dst
}

func (l *activation) Bprop(grad num.Array) num.Array {
	l.queue.Call(l.deriv(l.src, grad, l.dsrc))
	return l.dsrc
}

func (l *activation) Loss(yOneHot, yPred num.Array) num.Array {
	l.queue.Call(num.QuadraticLoss(yPred, yOneHot, l.loss))
	return l.loss
}

func (l *activation) Release() {
	num.Release(l.dst, l.dsrc, l.loss)
}

// softmax output layer, the gradient passed to Bprop is the difference between predicted and
// actual values which is already the derivative of the cross entropy loss with respect to the input.
type softmax struct {
	Activation
	layerBase
	loss num.Array
}

func (l *softmax) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	if len(inShape) != 2 {
		panic("softmax: expect 2 dimensional input")
	}
	l.layerBase = newLayerBase(queue, inShape, inShape)
	l.loss = queue.NewArray(num.Float32, inShape...)
	return l
}

func (l *softmax) Fprop(in num.Array, trainMode bool) num.Array {
	l.src = in
	l.queue.Call(num.Softmax(l.src, l.dst))
	return l.dst
}

func (l *softmax) Bprop(grad num.Array) num.Array {
	return grad
}

func (l *softmax) Loss(yOneHot, yPred num.Array) num.Array {
	l.queue.Call(num.SoftmaxLoss(yPred, yOneHot, l.loss))
	return l.loss
}

func (l *softmax) Release() {
	num.Release(l.dst, l.dsrc, l.loss)
}

type flatten struct {
	layerBase
}

func (l *flatten) Type() string { return "flatten" }

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	if len(inShape) < 2 {
		panic("Flatten: expect at least 2 dimensional input")
	}
	n := len(inShape) - 1
	l.queue = queue
	l.inShape = inShape
	l.outShape = []int{num.Prod(inShape[:n]), inShape[n]}
	return l
}

func (l *flatten) Fprop(in num.Array, trainMode bool) num.Array {
	l.src = in
	l.out = in.Reshape(l.outShape...)
	return l.out
}

func (l *flatten) Bprop(grad num.Array) num.Array {
	return grad.Reshape(l.inShape...)
}

func (l *flatten) Release() {}

// base layer type
type layerBase struct {
	queue    num.Queue
	inShape  []int
	outShape []int
	src      num.Array
	dst      num.Array
	dsrc     num.Array
	out      num.Array
}

func newLayerBase(queue num.Queue, inShape, outShape []int) layerBase {
	l := layerBase{
		queue:    queue,
		inShape:  inShape,
		outShape: outShape,
		dst:      queue.NewArray(num.Float32, outShape...),
		dsrc:     queue.NewArray(num.Float32, inShape...),
	}
	l.out = l.dst
	return l
}

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) Output() num.Array { return l.out }

// layer which is implemented by a num.Layer
type layerDNN struct {
	que   num.Queue
	layer num.Layer
}

func newLayerDNN(queue num.Queue, layer num.Layer) *layerDNN {
	return &layerDNN{que: queue, layer: layer}
}

func (l *layerDNN) InShape() []int { return l.layer.InShape() }

func (l *layerDNN) OutShape() []int { return l.layer.OutShape() }

func (l *layerDNN) Output() num.Array { return l.layer.Dst() }

func (l *layerDNN) Fprop(in num.Array, trainMode bool) num.Array {
	l.layer.SetSrc(in)
	l.que.Call(num.Fprop(l.layer))
	return l.layer.Dst()
}

func (l *layerDNN) Bprop(grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	l.que.Call(num.BpropData(l.layer))
	if l.layer.HasParams() {
		l.que.Call(
			num.BpropFilter(l.layer),
			num.BpropBias(l.layer),
		)
	}
	return l.layer.DiffSrc()
}

// weight and bias parameters
type paramBase struct {
	que            num.Queue
	w, b           num.Array
	dw, db         num.Array
	wState, bState []num.Array
	fanIn, fanOut  int
	nBatch         float32
}

func newParams(queue num.Queue, wShape, bShape []int, nBatch int) paramBase {
	return paramBase{
		que:    queue,
		w:      queue.NewArray(num.Float32, wShape...),
		b:      queue.NewArray(num.Float32, bShape...),
		dw:     queue.NewArray(num.Float32, wShape...),
		db:     queue.NewArray(num.Float32, bShape...),
		nBatch: float32(nBatch),
	}
}

func (p *paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p *paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

// Initialise weights with the given distribution and set the bias to a constant value
func (p *paramBase) InitParams(init InitType, bias float32, rng *rand.Rand) {
	weights := make([]float32, p.w.Size())
	switch init {
	case LecunNormal:
		scale := math.Sqrt(1 / float64(p.fanIn))
		for i := range weights {
			weights[i] = float32(rng.NormFloat64() * scale)
		}
	case RandomUniform:
		for i := range weights {
			weights[i] = 0.1*rng.Float32() - 0.05
		}
	default:
		limit := math.Sqrt(6 / float64(p.fanIn+p.fanOut))
		for i := range weights {
			weights[i] = float32((2*rng.Float64() - 1) * limit)
		}
	}
	p.que.Call(
		num.Write(p.w, weights),
		num.Fill(p.b, bias),
	)
	p.resetState()
}

func (p *paramBase) SetParams(W, B num.Array) {
	p.que.Call(num.Copy(p.w, W), num.Copy(p.b, B))
}

// Update the weights and biases using the gradients averaged over the batch
func (p *paramBase) UpdateParams(opt Optimizer) {
	if p.wState == nil {
		p.wState = opt.NewState(p.que, p.w)
		p.bState = opt.NewState(p.que, p.b)
	}
	opt.Update(p.que, p.w, p.dw, p.wState, true, 1/p.nBatch)
	opt.Update(p.que, p.b, p.db, p.bState, false, 1/p.nBatch)
}

func (p *paramBase) resetState() {
	num.Release(p.wState...)
	num.Release(p.bState...)
	p.wState, p.bState = nil, nil
}

func (p *paramBase) release() {
	p.resetState()
	num.Release(p.w, p.b, p.dw, p.db)
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, v), "invalid layer config")
}
