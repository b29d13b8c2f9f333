// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"
)

var impl gonum.Implementation

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

func (t DataType) String() string {
	if t == Int32 {
		return "int32"
	}
	return "float32"
}

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

// arrays are column major, blas routines are row major so the transpose flags are swapped.
func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return args("copy", func() {
		switch d := data.(type) {
		case []float32:
			copy(d, floats(a))
		case []int32:
			copy(d, ints(a))
		default:
			panic(fmt.Sprintf("Read: invalid slice type %T", data))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return args("copy", func() {
		switch d := data.(type) {
		case []float32:
			copy(floats(a), d)
		case []int32:
			copy(ints(a), d)
		default:
			panic(fmt.Sprintf("Write: invalid slice type %T", data))
		}
	})
}

// Write to one row in the array
func WriteRow(a Array, row int, data []float32) Function {
	dims := a.Dims()
	if len(dims) != 2 {
		panic("WriteRow: must be a matrix")
	}
	if row < 0 || row >= dims[0] {
		panic("WriteRow: row out of range")
	}
	return args("copy_row", func() {
		x := floats(a)
		for j := 0; j < dims[1]; j++ {
			x[row+j*dims[0]] = data[j]
		}
	})
}

// Write to one column in the array
func WriteCol(a Array, col int, data []float32) Function {
	dims := a.Dims()
	var rows, cols int
	if len(dims) == 1 {
		rows, cols = 1, dims[0]
	} else if len(dims) == 2 {
		rows, cols = dims[0], dims[1]
	} else {
		panic("WriteCol: must be vector or matrix")
	}
	if col < 0 || col >= cols {
		panic("WriteCol: column out of range")
	}
	return args("copy_col", func() {
		copy(floats(a)[col*rows:(col+1)*rows], data)
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return args("fill", func() {
		if a.Dtype() == Int32 {
			x := ints(a)
			for i := range x {
				x[i] = int32(scalar)
			}
			return
		}
		x := floats(a)
		for i := range x {
			x[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	if SameShape(ddim, sdim) {
		return args("copy", func() {
			if src.Dtype() == Int32 {
				copy(ints(dst), ints(src))
			} else {
				copy(floats(dst), floats(src))
			}
		})
	} else if len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1] {
		return tile1(dst, src, ddim[0], ddim[1])
	} else if len(sdim) == 2 && sdim[1] == 1 && len(ddim) == 2 && sdim[0] == ddim[0] {
		return tile0(dst, src, ddim[0], ddim[1])
	} else if len(sdim) == 2 && sdim[0] == 1 && len(ddim) == 2 && sdim[1] == ddim[1] {
		return tile1(dst, src, ddim[0], ddim[1])
	} else {
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
	}
}

// repeat column vector across each column of the matrix
func tile0(dst, src Array, rows, cols int) Function {
	return args("tile0", func() {
		x, y := floats(src), floats(dst)
		for j := 0; j < cols; j++ {
			copy(y[j*rows:(j+1)*rows], x)
		}
	})
}

// repeat row vector down each row of the matrix
func tile1(dst, src Array, rows, cols int) Function {
	return args("tile1", func() {
		x, y := floats(src), floats(dst)
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				y[i+j*rows] = x[j]
			}
		}
	})
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return args("neq", func() {
		a, b, c := ints(x), ints(y), ints(res)
		for i := range c {
			if a[i] != b[i] {
				c[i] = 1
			} else {
				c[i] = 0
			}
		}
	})
}

// Convert to one hot representation
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[1] || ydim[0] != classes {
		panic("Onehot: invalid array shape")
	}
	return args("onehot", func() {
		labels, out := ints(x), floats(y)
		for i := range out {
			out[i] = 0
		}
		for j, label := range labels {
			if label >= 0 && int(label) < classes {
				out[int(label)+j*classes] = 1
			}
		}
	})
}

// Convert from OneHot format back to labels
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[1] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	return args("unhot", func() {
		in, labels := floats(x), ints(y)
		rows := xdim[0]
		for j := range labels {
			labels[j] = int32(Argmax(in[j*rows : (j+1)*rows]))
		}
	})
}

// Argmax returns the index of the largest value in the slice
func Argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return args("scale", func() {
		impl.Sscal(x.Size(), alpha, floats(x), 1)
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if !SameShape(x.Dims(), y.Dims()) {
		panic("Axpy: arrays must be same shape")
	}
	return args("axpy", func() {
		impl.Saxpy(x.Size(), alpha, floats(x), 1, floats(y), 1)
	})
}

// Transpose sets mB to a copy of mA with the data transposed.
func Transpose(mA, mB Array) Function {
	adim, bdim := mA.Dims(), mB.Dims()
	if len(adim) != 2 || len(bdim) != 2 {
		panic("Transpose: arrays must be 2D")
	}
	if adim[0] != bdim[1] || adim[1] != bdim[0] {
		panic("Transpose: destination matrix is wrong shape")
	}
	return args("trans", func() {
		a, b := floats(mA), floats(mB)
		rows, cols := adim[0], adim[1]
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				b[j+i*cols] = a[i+j*rows]
			}
		}
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if len(total.Dims()) != 0 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return args("sum", func() {
		var sum float64
		if a.Dtype() == Int32 {
			for _, v := range ints(a) {
				sum += float64(v)
			}
		} else {
			for _, v := range floats(a) {
				sum += float64(v)
			}
		}
		floats(total)[0] = float32(sum) * scale
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	if mA.Dtype() != Float32 || x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Gemv: dtype must by Float32")
	}
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	if len(adim) != 2 || len(xdim) != 1 || len(ydim) != 1 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if xdim[0] != m || ydim[0] != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if xdim[0] != n || ydim[0] != m {
			panic("Gemv: incorrect vector size")
		}
	}
	// column major m x n matrix is a row major n x m matrix
	tA := Trans
	if aTrans == Trans {
		tA = NoTrans
	}
	return args("gemv", func() {
		impl.Sgemv(tA.blas(), n, m, alpha, floats(mA), m, floats(x), 1, beta, floats(y), 1)
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return args("gemm", func() {
		gemm(aTrans, bTrans, m, n, k, alpha, floats(mA), adim[0], floats(mB), bdim[0], beta, floats(mC), cdim[0])
	})
}

// column major C = alpha*op(A)*op(B) + beta*C is computed as the row major C' = op(B)'*op(A)'
func gemm(aTrans, bTrans TransType, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	impl.Sgemm(bTrans.blas(), aTrans.blas(), n, m, k, alpha, b, ldb, a, lda, beta, c, ldc)
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, func(x float32) float32 {
		return 1 / (1 + exp(-x))
	})
}

func SigmoidD(x, grad, y Array) Function {
	return binaryFunc("sigmoid_d", x, grad, y, func(x, g float32) float32 {
		s := 1 / (1 + exp(-x))
		return g * s * (1 - s)
	})
}

// Tanh activation function: y = tanh(x)
func Tanh(x, y Array) Function {
	return unaryFunc("tanh", x, y, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	})
}

func TanhD(x, grad, y Array) Function {
	return binaryFunc("tanh_d", x, grad, y, func(x, g float32) float32 {
		t := float32(math.Tanh(float64(x)))
		return g * (1 - t*t)
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

func ReluD(x, grad, y Array) Function {
	return binaryFunc("relu_d", x, grad, y, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

// Quadratic loss function: (x-y)**2
func QuadraticLoss(x, y, res Array) Function {
	return binaryFunc("quad_loss", x, y, res, func(x, y float32) float32 {
		return (x - y) * (x - y)
	})
}

// Softmax activation function
func Softmax(x, res Array) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	return args("softmax", func() {
		in, out := floats(x), floats(res)
		rows := xdim[0]
		for j := 0; j < xdim[1]; j++ {
			col := in[j*rows : (j+1)*rows]
			max := col[Argmax(col)]
			var sum float32
			for i, v := range col {
				out[i+j*rows] = exp(v - max)
				sum += out[i+j*rows]
			}
			for i := range col {
				out[i+j*rows] /= sum
			}
		}
	})
}

// Softmax loss function: cross entropy -y*log(x) where x is the softmax output and y is the one hot label
func SoftmaxLoss(x, y, res Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("SoftmaxLoss: dtype must by Float32")
	}
	xdim, ydim, rdim := x.Dims(), y.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, ydim) || !SameShape(xdim, rdim) {
		panic("SoftmaxLoss: arrays must be 2d and same shape")
	}
	return args("softmax_loss", func() {
		pred, target, out := floats(x), floats(y), floats(res)
		for i := range out {
			if target[i] == 0 {
				out[i] = 0
			} else {
				out[i] = -target[i] * float32(math.Log(math.Max(float64(pred[i]), 1e-7)))
			}
		}
	})
}

// Dropout sets a new random mask and scales the surviving values by 1/(1-ratio) so that no scaling is needed at inference time.
func Dropout(x, y, mask Array, ratio float32, rng *rand.Rand) Function {
	if !SameShape(x.Dims(), y.Dims()) || !SameShape(x.Dims(), mask.Dims()) {
		panic("Dropout: arrays must be same shape")
	}
	if ratio < 0 || ratio >= 1 {
		panic("Dropout: ratio must be in range [0, 1)")
	}
	scale := 1 / (1 - ratio)
	return args("dropout", func() {
		in, out, m := floats(x), floats(y), floats(mask)
		for i := range m {
			if rng.Float32() < ratio {
				m[i] = 0
			} else {
				m[i] = scale
			}
			out[i] = in[i] * m[i]
		}
	})
}

// DropoutD applies the mask from the last Dropout call to the gradient.
func DropoutD(grad, mask, y Array) Function {
	return binaryFunc("dropout_d", grad, mask, y, func(g, m float32) float32 {
		return g * m
	})
}

// SGD update with optional momentum: v <- momentum*v - eta*scale*dw, w <- w + v
func SGD(w, dw, v Array, eta, momentum, scale float32) Function {
	if !SameShape(w.Dims(), dw.Dims()) || !SameShape(w.Dims(), v.Dims()) {
		panic("SGD: arrays must be same shape")
	}
	return args("sgd", func() {
		x, g, vel := floats(w), floats(dw), floats(v)
		for i := range x {
			vel[i] = momentum*vel[i] - eta*scale*g[i]
			x[i] += vel[i]
		}
	})
}

// Adam update with bias correction for step t >= 1, the gradient is multiplied by scale.
func Adam(w, dw, m, v Array, eta, beta1, beta2, epsilon, scale float32, t int) Function {
	if !SameShape(w.Dims(), dw.Dims()) || !SameShape(w.Dims(), m.Dims()) || !SameShape(w.Dims(), v.Dims()) {
		panic("Adam: arrays must be same shape")
	}
	if t < 1 {
		panic("Adam: step must be >= 1")
	}
	mCorr := 1 / (1 - float32(math.Pow(float64(beta1), float64(t))))
	vCorr := 1 / (1 - float32(math.Pow(float64(beta2), float64(t))))
	return args("adam", func() {
		x, g, mom, vel := floats(w), floats(dw), floats(m), floats(v)
		for i := range x {
			grad := g[i] * scale
			mom[i] = beta1*mom[i] + (1-beta1)*grad
			vel[i] = beta2*vel[i] + (1-beta2)*grad*grad
			x[i] -= eta * mom[i] * mCorr / (float32(math.Sqrt(float64(vel[i]*vCorr))) + epsilon)
		}
	})
}

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("UnaryFunc: dtype must by Float32")
	}
	if !SameShape(x.Dims(), y.Dims()) {
		panic("UnaryFunc: arrays must be same shape")
	}
	return args(name, func() {
		in, out := floats(x), floats(y)
		for i, v := range in {
			out[i] = fn(v)
		}
	})
}

func binaryFunc(name string, x, y, z Array, fn func(float32, float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || z.Dtype() != Float32 {
		panic("BinaryFunc: dtype must by Float32")
	}
	if !SameShape(x.Dims(), z.Dims()) || !SameShape(y.Dims(), z.Dims()) {
		panic("BinaryFunc: arrays must be same shape")
	}
	return args(name, func() {
		a, b, out := floats(x), floats(y), floats(z)
		for i := range out {
			out[i] = fn(a[i], b[i])
		}
	})
}

func exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Function which may be called via the queue
type Function struct {
	desc string
	call func()
}

func args(desc string, call func()) Function {
	return Function{desc: desc, call: call}
}

// Desc returns the operation name used in the profile
func (f Function) Desc() string { return f.desc }
