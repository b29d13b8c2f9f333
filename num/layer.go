package num

import (
	"errors"
	"fmt"
)

// Layer interface type represents a DNN layer
type Layer interface {
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
	HasParams() bool
	Type() string
	InShape() []int
	OutShape() []int
	FilterShape() []int
	BiasShape() []int
}

type cpuLayer interface {
	Layer
	fprop()
	bpropData()
	bpropFilter()
	bpropBias()
}

// Forward propagation
func Fprop(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_fprop", l.fprop)
}

// Backward propagation
func BpropData(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_bprop_data", l.bpropData)
}

func BpropFilter(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_bprop_filter", l.bpropFilter)
}

func BpropBias(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_bprop_bias", l.bpropBias)
}

// common fields for conv and pool layers
type layerBase struct {
	name      string
	inShape   []int
	outShape  []int
	src, dst  Array
	diffSrc   Array
	diffDst   Array
	filtShape []int
	biasShape []int
}

func newLayerBase(name string, inShape, outShape []int) layerBase {
	return layerBase{
		name:     name,
		inShape:  inShape,
		outShape: outShape,
		dst:      newArrayCPU(Float32, outShape),
		diffSrc:  newArrayCPU(Float32, inShape),
	}
}

func (l *layerBase) Dst() Array { return l.dst }

func (l *layerBase) DiffSrc() Array { return l.diffSrc }

func (l *layerBase) SetSrc(a Array) {
	if !SameShape(a.Dims(), l.inShape) {
		panic(fmt.Sprintf("%s: input shape %v expecting %v", l.name, a.Dims(), l.inShape))
	}
	l.src = a
}

func (l *layerBase) SetDiffDst(a Array) {
	if !SameShape(a.Dims(), l.outShape) {
		panic(fmt.Sprintf("%s: gradient shape %v expecting %v", l.name, a.Dims(), l.outShape))
	}
	l.diffDst = a
}

func (l *layerBase) SetParams(W, B, dW, dB Array) {}

func (l *layerBase) HasParams() bool { return false }

func (l *layerBase) Type() string { return l.name }

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) FilterShape() []int { return l.filtShape }

func (l *layerBase) BiasShape() []int { return l.biasShape }

func (l *layerBase) String() string {
	return fmt.Sprintf("[%s]  inShape=%v  outShape=%v", l.name, l.inShape, l.outShape)
}

func (l *layerBase) bpropFilter() {}

func (l *layerBase) bpropBias() {}

// Convolution layer using im2col + gemm for each sample in the batch.
// Input shape is [h, w, depth, batch], filter shape is [size, size, depth, nFeats].
type convLayer struct {
	layerBase
	size, stride, pad int
	kSize, pSize      int
	col               []float32
	w, b, dw, db      Array
}

func (d cpuDevice) ConvLayer(n, depth, h, w, nFeats, size, stride int, pad bool) Layer {
	hOut, padH, err := getOutSize(h, size, stride, pad)
	if err != nil {
		panic(fmt.Sprintf("ConvLayer: height %s", err))
	}
	wOut, padW, err := getOutSize(w, size, stride, pad)
	if err != nil {
		panic(fmt.Sprintf("ConvLayer: width %s", err))
	}
	if padH != padW {
		panic("ConvLayer: padding must be the same in each dimension")
	}
	l := &convLayer{
		layerBase: newLayerBase("conv", []int{h, w, depth, n}, []int{hOut, wOut, nFeats, n}),
		size:      size,
		stride:    stride,
		pad:       padH,
		kSize:     size * size * depth,
		pSize:     hOut * wOut,
	}
	l.filtShape = []int{size, size, depth, nFeats}
	l.biasShape = []int{nFeats}
	l.col = make([]float32, l.kSize*l.pSize*n)
	return l
}

func (l *convLayer) SetParams(W, B, dW, dB Array) {
	if !SameShape(W.Dims(), l.filtShape) || !SameShape(B.Dims(), l.biasShape) {
		panic("ConvLayer: invalid parameter shape")
	}
	l.w, l.b, l.dw, l.db = W, B, dW, dB
}

func (l *convLayer) HasParams() bool { return true }

func (l *convLayer) fprop() {
	n, nFeats := l.inShape[3], l.outShape[2]
	K, P := l.kSize, l.pSize
	w, b, out := floats(l.w), floats(l.b), floats(l.dst)
	parallel(n, func(start, end int) {
		for s := start; s < end; s++ {
			col := l.col[s*K*P : (s+1)*K*P]
			l.im2col(s, col)
			dst := out[s*P*nFeats : (s+1)*P*nFeats]
			gemm(Trans, NoTrans, P, nFeats, K, 1, col, K, w, K, 0, dst, P)
			for f := 0; f < nFeats; f++ {
				for p := 0; p < P; p++ {
					dst[p+f*P] += b[f]
				}
			}
		}
	})
}

func (l *convLayer) bpropData() {
	n, nFeats := l.inShape[3], l.outShape[2]
	K, P := l.kSize, l.pSize
	inSize := Prod(l.inShape[:3])
	w, grad, dsrc := floats(l.w), floats(l.diffDst), floats(l.diffSrc)
	parallel(n, func(start, end int) {
		dcol := make([]float32, K*P)
		for s := start; s < end; s++ {
			dOut := grad[s*P*nFeats : (s+1)*P*nFeats]
			gemm(NoTrans, Trans, K, P, nFeats, 1, w, K, dOut, P, 0, dcol, K)
			l.col2im(dcol, dsrc[s*inSize:(s+1)*inSize])
		}
	})
}

func (l *convLayer) bpropFilter() {
	n, nFeats := l.inShape[3], l.outShape[2]
	K, P := l.kSize, l.pSize
	grad, dw := floats(l.diffDst), floats(l.dw)
	for s := 0; s < n; s++ {
		var beta float32 = 1
		if s == 0 {
			beta = 0
		}
		gemm(NoTrans, NoTrans, K, nFeats, P, 1, l.col[s*K*P:(s+1)*K*P], K, grad[s*P*nFeats:(s+1)*P*nFeats], P, beta, dw, K)
	}
}

func (l *convLayer) bpropBias() {
	n, nFeats := l.inShape[3], l.outShape[2]
	P := l.pSize
	grad, db := floats(l.diffDst), floats(l.db)
	for f := range db {
		db[f] = 0
	}
	for s := 0; s < n; s++ {
		for f := 0; f < nFeats; f++ {
			var sum float32
			for _, v := range grad[(s*nFeats+f)*P : (s*nFeats+f+1)*P] {
				sum += v
			}
			db[f] += sum
		}
	}
}

// unpack input patches for sample s into columns of a K x P matrix
func (l *convLayer) im2col(s int, col []float32) {
	h, w, depth := l.inShape[0], l.inShape[1], l.inShape[2]
	hOut, wOut := l.outShape[0], l.outShape[1]
	src := floats(l.src)[s*h*w*depth : (s+1)*h*w*depth]
	K := l.kSize
	for ox := 0; ox < wOut; ox++ {
		for oy := 0; oy < hOut; oy++ {
			c := col[(oy+ox*hOut)*K : (oy+ox*hOut+1)*K]
			k := 0
			for ch := 0; ch < depth; ch++ {
				for fx := 0; fx < l.size; fx++ {
					ix := ox*l.stride + fx - l.pad
					for fy := 0; fy < l.size; fy++ {
						iy := oy*l.stride + fy - l.pad
						if ix < 0 || ix >= w || iy < 0 || iy >= h {
							c[k] = 0
						} else {
							c[k] = src[iy+h*(ix+w*ch)]
						}
						k++
					}
				}
			}
		}
	}
}

// accumulate K x P matrix of patch gradients back into the input gradient for one sample
func (l *convLayer) col2im(col []float32, dsrc []float32) {
	h, w, depth := l.inShape[0], l.inShape[1], l.inShape[2]
	hOut, wOut := l.outShape[0], l.outShape[1]
	K := l.kSize
	for i := range dsrc {
		dsrc[i] = 0
	}
	for ox := 0; ox < wOut; ox++ {
		for oy := 0; oy < hOut; oy++ {
			c := col[(oy+ox*hOut)*K : (oy+ox*hOut+1)*K]
			k := 0
			for ch := 0; ch < depth; ch++ {
				for fx := 0; fx < l.size; fx++ {
					ix := ox*l.stride + fx - l.pad
					for fy := 0; fy < l.size; fy++ {
						iy := oy*l.stride + fy - l.pad
						if ix >= 0 && ix < w && iy >= 0 && iy < h {
							dsrc[iy+h*(ix+w*ch)] += c[k]
						}
						k++
					}
				}
			}
		}
	}
}

// Max pooling layer, the index of the maximum input for each output is saved for back propagation.
type poolLayer struct {
	layerBase
	size, stride int
	index        []int32
}

func (d cpuDevice) MaxPoolLayer(inShape []int, size, stride int) Layer {
	if len(inShape) != 4 {
		panic("MaxPoolLayer: expect 4 dimensional input")
	}
	if stride < 1 {
		stride = size
	}
	hOut := poolOutSize(inShape[0], size, stride)
	wOut := poolOutSize(inShape[1], size, stride)
	inShape = append([]int{}, inShape...)
	l := &poolLayer{
		layerBase: newLayerBase("maxPool", inShape, []int{hOut, wOut, inShape[2], inShape[3]}),
		size:      size,
		stride:    stride,
	}
	l.index = make([]int32, Prod(l.outShape))
	return l
}

func (l *poolLayer) fprop() {
	h, w := l.inShape[0], l.inShape[1]
	hOut, wOut := l.outShape[0], l.outShape[1]
	planes := l.inShape[2] * l.inShape[3]
	src, dst := floats(l.src), floats(l.dst)
	parallel(planes, func(start, end int) {
		for pl := start; pl < end; pl++ {
			base := pl * h * w
			for ox := 0; ox < wOut; ox++ {
				for oy := 0; oy < hOut; oy++ {
					best := base + oy*l.stride + h*ox*l.stride
					for fx := 0; fx < l.size; fx++ {
						for fy := 0; fy < l.size; fy++ {
							ix := base + oy*l.stride + fy + h*(ox*l.stride+fx)
							if src[ix] > src[best] {
								best = ix
							}
						}
					}
					pos := pl*hOut*wOut + oy + ox*hOut
					dst[pos] = src[best]
					l.index[pos] = int32(best)
				}
			}
		}
	})
}

func (l *poolLayer) bpropData() {
	grad, dsrc := floats(l.diffDst), floats(l.diffSrc)
	for i := range dsrc {
		dsrc[i] = 0
	}
	for i, ix := range l.index {
		dsrc[ix] += grad[i]
	}
}

// Get the output size and padding for a convolution. If padding is set the output size is the same as
// using (filter-1)/2 padding on each side and the minimum padding to get this size is returned.
// If padding is not set and the filter does not fit an integer number of strides then an error is returned.
func getOutSize(in, filter, stride int, padding bool) (out, pad int, err error) {
	if stride < 1 {
		stride = 1
	}
	if !padding {
		ns := in - filter
		if ns < 0 {
			return 0, 0, errors.New("filter is larger than input")
		}
		if ns%stride != 0 {
			return ns/stride + 1, 0, fmt.Errorf("output size invalid, must be even no. of strides: in=%d filter=%d stride=%d", in, filter, stride)
		}
		return ns/stride + 1, 0, nil
	}
	maxPad := (filter - 1) / 2
	out = (in-filter+2*maxPad)/stride + 1
	for pad = 0; pad < maxPad; pad++ {
		if (in-filter+2*pad)/stride+1 == out {
			break
		}
	}
	return out, pad, nil
}

func poolOutSize(in, size, stride int) int {
	if size > in {
		panic("MaxPoolLayer: pool size is larger than input")
	}
	return (in-size)/stride + 1
}
