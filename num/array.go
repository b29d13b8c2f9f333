package num

import (
	"fmt"
	"strings"
)

// Parameters for array printing
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// Array interface is a general n dimensional tensor similar to a numpy ndarray
// data is stored internally in column major order
type Array interface {
	// Dims returns the shape of the array in rows, cols, ... order
	Dims() []int
	// Size is total number of elements
	Size() int
	// Dtype returns the data type of the elements in the array
	Dtype() DataType
	// Reshape returns a new array of the same size with a view on the same data but with a different shape
	Reshape(dims ...int) Array
	// Formatted output
	String(q Queue) string
	// Release any allocated memory
	Release()
}

// array resident in main memory, only one of the data slices is set depending on the type
type arrayCPU struct {
	arrayBase
	fdata []float32
	idata []int32
}

func (d cpuDevice) NewArray(dtype DataType, dims ...int) Array {
	return newArrayCPU(dtype, dims)
}

func (d cpuDevice) NewArrayLike(a Array) Array {
	return newArrayCPU(a.Dtype(), append([]int{}, a.Dims()...))
}

func newArrayCPU(dtype DataType, dims []int) *arrayCPU {
	a := &arrayCPU{arrayBase: arrayBase{size: Prod(dims), dims: dims, dtype: dtype}}
	if dtype == Int32 {
		a.idata = make([]int32, a.size)
	} else {
		a.fdata = make([]float32, a.size)
	}
	return a
}

func (a *arrayCPU) Release() {}

func (a *arrayCPU) Reshape(dims ...int) Array {
	return &arrayCPU{arrayBase: a.reshape(dims), fdata: a.fdata, idata: a.idata}
}

func (a *arrayCPU) String(q Queue) string { return toString(a, q) }

// access to the raw data, panics if the array has the wrong type
func floats(a Array) []float32 {
	arr, ok := a.(*arrayCPU)
	if !ok || arr.dtype != Float32 {
		panic(fmt.Sprintf("expecting float32 array, got %T %v", a, a.Dtype()))
	}
	return arr.fdata
}

func ints(a Array) []int32 {
	arr, ok := a.(*arrayCPU)
	if !ok || arr.dtype != Int32 {
		panic(fmt.Sprintf("expecting int32 array, got %T %v", a, a.Dtype()))
	}
	return arr.idata
}

// common array functions
type arrayBase struct {
	size  int
	dims  []int
	dtype DataType
}

func (a arrayBase) Size() int { return a.size }

func (a arrayBase) Dims() []int { return a.dims }

func (a arrayBase) Dtype() DataType { return a.dtype }

func (a arrayBase) reshape(dims []int) arrayBase {
	n := a.size
	dims = append([]int{}, dims...)
	for i := range dims {
		if dims[i] == -1 {
			other := 1
			for j, dim := range dims {
				if i != j {
					if dim == -1 {
						panic("Reshape: can only have single -1 value")
					}
					other *= dim
				}
			}
			dims[i] = n / other
		}
	}
	if Prod(dims) != n {
		panic("reshape must be to array of same size")
	}
	return arrayBase{size: n, dims: dims, dtype: a.dtype}
}

func toString(a Array, q Queue) string {
	var data interface{}
	if a.Dtype() == Int32 {
		data = make([]int32, a.Size())
	} else {
		data = make([]float32, a.Size())
	}
	q.Call(Read(a, data)).Finish()
	var b strings.Builder
	dims := a.Dims()
	switch len(dims) {
	case 0:
		writeRow(&b, data, 0, 1, 1)
		b.WriteByte('\n')
	case 1:
		writeRow(&b, data, 0, 1, dims[0])
		b.WriteByte('\n')
	default:
		// column major, so each row is strided by the number of rows
		rows, cols := dims[0], dims[1]
		plane := rows * cols
		planes := 1
		if plane > 0 {
			planes = a.Size() / plane
		}
		for _, k := range printIndex(planes) {
			if k < 0 {
				b.WriteString("...\n")
				continue
			}
			if len(dims) > 2 {
				fmt.Fprintf(&b, "[%d]\n", k)
			}
			for _, i := range printIndex(rows) {
				if i < 0 {
					b.WriteString(" ...\n")
					continue
				}
				writeRow(&b, data, k*plane+i, rows, cols)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

// printIndex returns the indexes to print along a dimension of size n, -1 marks the elided entries
func printIndex(n int) []int {
	var idx []int
	for i := 0; i < n; i++ {
		if n > PrintThreshold && i == PrintEdgeitems {
			idx = append(idx, -1)
			i = n - PrintEdgeitems
		}
		idx = append(idx, i)
	}
	return idx
}

func writeRow(b *strings.Builder, data interface{}, at, stride, n int) {
	b.WriteByte('[')
	for _, j := range printIndex(n) {
		if j < 0 {
			b.WriteString("    ... ")
			continue
		}
		switch d := data.(type) {
		case []int32:
			fmt.Fprintf(b, "%5d ", d[at+j*stride])
		case []float32:
			fmt.Fprintf(b, "%8.4f ", d[at+j*stride])
		}
	}
	b.WriteByte(']')
}

// Product of elements of an integer array. Zero dimension array (scalar) has size 1.
func Prod(arr []int) int {
	prod := 1
	for _, v := range arr {
		prod *= v
	}
	return prod
}

// Check if two arrays are the same shape
func SameShape(xd, yd []int) bool {
	if len(xd) != len(yd) {
		return false
	}
	for i := range xd {
		if xd[i] != yd[i] {
			return false
		}
	}
	return true
}

// Release one or more arrays
func Release(arr ...Array) {
	for _, a := range arr {
		if a != nil {
			a.Release()
		}
	}
}
