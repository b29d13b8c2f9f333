package nnet

import (
	"fmt"

	"github.com/jnb666/cifarnet/num"
)

// Weight initialisation type
type InitType string

const (
	GlorotUniform InitType = "GlorotUniform"
	LecunNormal   InitType = "LecunNormal"
	RandomUniform InitType = "RandomUniform"
)

var initTypes = map[InitType]bool{
	GlorotUniform: true,
	LecunNormal:   true,
	RandomUniform: true,
}

// Optimizer updates the network parameters given the gradients.
type Optimizer interface {
	// NewState allocates the per parameter state arrays
	NewState(q num.Queue, w num.Array) []num.Array
	// Update the weights w given gradient dw scaled by scale, if decay is set then weight decay is applied.
	Update(q num.Queue, w, dw num.Array, state []num.Array, decay bool, scale float32)
	// Step is called once per batch before the updates
	Step()
	String() string
}

// NewOptimizer returns a new optimizer given the training config. Lambda sets the L2 regularisation
// which is applied as a weight decay of eta*lambda per update.
func NewOptimizer(c Config) Optimizer {
	decay := float32(c.Eta * c.Lambda)
	switch c.Optimizer {
	case "adam":
		return &adam{
			eta:     float32(c.Eta),
			beta1:   float32(c.Beta1),
			beta2:   float32(c.Beta2),
			epsilon: float32(c.Epsilon),
			decay:   decay,
		}
	default:
		return &sgd{eta: float32(c.Eta), momentum: float32(c.Momentum), decay: decay}
	}
}

// Stochastic gradient descent with momentum
type sgd struct {
	eta, momentum, decay float32
}

func (o *sgd) NewState(q num.Queue, w num.Array) []num.Array {
	v := q.NewArrayLike(w)
	q.Call(num.Fill(v, 0))
	return []num.Array{v}
}

func (o *sgd) Update(q num.Queue, w, dw num.Array, state []num.Array, decay bool, scale float32) {
	if decay && o.decay != 0 {
		q.Call(num.Scale(1-o.decay, w))
	}
	q.Call(num.SGD(w, dw, state[0], o.eta, o.momentum, scale))
}

func (o *sgd) Step() {}

func (o *sgd) String() string {
	return fmt.Sprintf("sgd eta=%g momentum=%g", o.eta, o.momentum)
}

// Adam optimizer with bias correction
type adam struct {
	eta, beta1, beta2, epsilon, decay float32
	t                                 int
}

func (o *adam) NewState(q num.Queue, w num.Array) []num.Array {
	m, v := q.NewArrayLike(w), q.NewArrayLike(w)
	q.Call(num.Fill(m, 0), num.Fill(v, 0))
	return []num.Array{m, v}
}

func (o *adam) Update(q num.Queue, w, dw num.Array, state []num.Array, decay bool, scale float32) {
	if decay && o.decay != 0 {
		q.Call(num.Scale(1-o.decay, w))
	}
	q.Call(num.Adam(w, dw, state[0], state[1], o.eta, o.beta1, o.beta2, o.epsilon, scale, o.t))
}

func (o *adam) Step() {
	o.t++
}

func (o *adam) String() string {
	return fmt.Sprintf("adam eta=%g beta1=%g beta2=%g epsilon=%g", o.eta, o.beta1, o.beta2, o.epsilon)
}
