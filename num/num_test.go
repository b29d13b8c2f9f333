package num

import (
	"math"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 6)
	if typ := x.Dtype(); typ != Float32 {
		t.Error("dtype invalid: got", typ)
	}
	x = x.Reshape(2, 3)
	if dim := x.Dims(); !reflect.DeepEqual(dim, []int{2, 3}) {
		t.Error("dims invalid: got", dim)
	}
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, xd) {
		t.Error("got", res, "expect", xd)
	}
	expect := []float32{9, 6, 8, 5, 7, 4}
	q.Call(
		Fill(x, 0),
		WriteCol(x, 0, []float32{9, 6}),
		WriteCol(x, 1, []float32{8, 5}),
		WriteCol(x, 2, []float32{7, 4}),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	q.Call(
		Fill(x, 0),
		WriteRow(x, 0, []float32{9, 8, 7}),
		WriteRow(x, 1, []float32{6, 5, 4}),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestCopy(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	// tile columns
	y := dev.NewArray(Float32, 2, 1)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{1, 2}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	expect := []float32{1, 2, 1, 2, 1, 2}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	// tile rows
	y = dev.NewArray(Float32, 3)
	q.Call(
		Write(y, []float32{3, 2, 1}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	expect = []float32{3, 3, 2, 2, 1, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestOnehot(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	y := dev.NewArray(Int32, 4)
	y1h := dev.NewArray(Float32, 3, 4)
	res := make([]float32, 12)
	vec := []int32{2, 1, 0, 2}
	q.Call(
		Write(y, vec),
		Onehot(y, y1h, 3),
		Read(y1h, res),
	).Finish()
	t.Logf("y1hot %s\n%s", y.String(q), y1h.String(q))
	expect := []float32{0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	res2 := make([]int32, 4)
	q.Call(
		Unhot(y1h, y),
		Read(y, res2),
	).Finish()
	if !reflect.DeepEqual(res2, vec) {
		t.Error("got", res2, "expect", vec)
	}
}

func TestTranspose(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3, 2)
	res1 := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Transpose(x, y),
		Read(y, res1),
	).Finish()
	t.Logf("x\n%v", x.String(q))
	t.Logf("y\n%v", y.String(q))
	xT := []float32{1, 2, 3, 1, 2, 3}
	if !reflect.DeepEqual(res1, xT) {
		t.Error("got", res1, "expect", xT)
	}
}

func TestAxpy(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Write(y, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}),
		Axpy(2, x, y),
		Read(y, res),
	).Finish()
	expect := []float32{2.5, 2.5, 4.5, 4.5, 6.5, 6.5}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestSum(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	sum := dev.NewArray(Float32)
	res := make([]float32, 1)
	// scalar sum
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Sum(x, sum, 1.0/6.0),
		Read(sum, res),
	).Finish()
	if res[0] != 3.5 {
		t.Error("got", res[0], "expect", 3.5)
	}
	// sum for each column
	sum = dev.NewArray(Float32, 3)
	res = make([]float32, 3)
	ones := dev.NewArray(Float32, 2)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, sum, Trans),
		Read(sum, res),
	).Finish()
	expect := []float32{3, 7, 11}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestGemm(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3, 2)
	z := dev.NewArray(Float32, 2, 2)
	q.Call(Write(x, []float32{1, 4, 2, 5, 3, 6}))
	res := make([]float32, 4)
	for _, trans := range []TransType{NoTrans, Trans} {
		if trans == Trans {
			y = y.Reshape(2, 3)
			q.Call(Write(y, []float32{7, 8, 9, 10, 11, 12}))
		} else {
			q.Call(Write(y, []float32{7, 9, 11, 8, 10, 12}))
		}
		q.Call(
			Gemm(1, 0, x, y, z, NoTrans, trans),
			Read(z, res),
		).Finish()
		expect := []float32{58, 139, 64, 154}
		if !reflect.DeepEqual(res, expect) {
			t.Error("got", res, "expect", expect)
		}
	}
}

func TestActivation(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 2)
	y := dev.NewArray(Float32, 2, 2)
	g := dev.NewArray(Float32, 2, 2)
	res := make([]float32, 4)
	q.Call(
		Write(x, []float32{-1, 2, 0, 3}),
		Relu(x, y),
		Read(y, res),
	).Finish()
	expect := []float32{0, 2, 0, 3}
	if !reflect.DeepEqual(res, expect) {
		t.Error("relu got", res, "expect", expect)
	}
	q.Call(
		Write(g, []float32{5, 6, 7, 8}),
		ReluD(x, g, y),
		Read(y, res),
	).Finish()
	expect = []float32{0, 6, 0, 8}
	if !reflect.DeepEqual(res, expect) {
		t.Error("relu_d got", res, "expect", expect)
	}
	q.Call(
		Write(x, []float32{0, 0, 0, 0}),
		Sigmoid(x, y),
		Read(y, res),
	).Finish()
	for _, v := range res {
		if v != 0.5 {
			t.Error("sigmoid got", res)
			break
		}
	}
}

func TestSoftmax(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 3, 2)
	y := dev.NewArray(Float32, 3, 2)
	y1h := dev.NewArray(Float32, 3, 2)
	loss := dev.NewArray(Float32, 3, 2)
	sum := dev.NewArray(Float32)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 1, 0, 0, 1000}),
		Write(y1h, []float32{1, 0, 0, 0, 0, 1}),
		Softmax(x, y),
		Read(y, res),
	).Finish()
	t.Logf("softmax\n%s", y.String(q))
	expect := []float32{1.0 / 3, 1.0 / 3, 1.0 / 3, 0, 0, 1}
	for i := range res {
		if abs(res[i]-expect[i]) > 1e-6 {
			t.Fatal("got", res, "expect", expect)
		}
	}
	total := make([]float32, 1)
	q.Call(
		SoftmaxLoss(y, y1h, loss),
		Sum(loss, sum, 0.5),
		Read(sum, total),
	).Finish()
	want := float32(math.Log(3) / 2)
	if abs(total[0]-want) > 1e-6 {
		t.Error("loss got", total[0], "expect", want)
	}
}

func TestDropout(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	n := 1000
	x := dev.NewArray(Float32, n)
	y := dev.NewArray(Float32, n)
	mask := dev.NewArray(Float32, n)
	res := make([]float32, n)
	q.Call(
		Fill(x, 1),
		Dropout(x, y, mask, 0.25, rand.New(rand.NewSource(42))),
		Read(y, res),
	).Finish()
	dropped := 0
	for _, v := range res {
		switch v {
		case 0:
			dropped++
		case 1 / 0.75:
		default:
			t.Fatal("invalid output value", v)
		}
	}
	t.Logf("dropped %d of %d", dropped, n)
	if dropped < n/5 || dropped > n*3/10 {
		t.Error("dropped count out of range", dropped)
	}
	grad := make([]float32, n)
	q.Call(
		Fill(x, 2),
		DropoutD(x, mask, y),
		Read(y, grad),
	).Finish()
	for i := range grad {
		if (res[i] == 0) != (grad[i] == 0) {
			t.Fatal("gradient mask mismatch at", i)
		}
	}
}

func TestSGD(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	w := dev.NewArray(Float32, 2)
	dw := dev.NewArray(Float32, 2)
	v := dev.NewArray(Float32, 2)
	res := make([]float32, 2)
	q.Call(
		Write(w, []float32{1, 2}),
		Write(dw, []float32{10, -10}),
		SGD(w, dw, v, 0.1, 0.5, 0.5),
		SGD(w, dw, v, 0.1, 0.5, 0.5),
		Read(w, res),
	).Finish()
	// v1 = -0.05*dw, v2 = 0.5*v1 - 0.05*dw
	expect := []float32{-0.25, 3.25}
	for i := range res {
		if abs(res[i]-expect[i]) > 1e-6 {
			t.Error("got", res, "expect", expect)
		}
	}
}

func TestAdam(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	w := dev.NewArray(Float32, 2)
	dw := dev.NewArray(Float32, 2)
	m := dev.NewArray(Float32, 2)
	v := dev.NewArray(Float32, 2)
	res := make([]float32, 2)
	q.Call(
		Write(w, []float32{1, 1}),
		Write(dw, []float32{0.5, -4}),
		Adam(w, dw, m, v, 0.01, 0.9, 0.999, 1e-8, 1, 1),
		Read(w, res),
	).Finish()
	// first bias corrected step moves each weight by eta against the sign of the gradient
	expect := []float32{0.99, 1.01}
	for i := range res {
		if abs(res[i]-expect[i]) > 1e-5 {
			t.Error("got", res, "expect", expect)
		}
	}
}

func randSlice(n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rand.Intn(20))
	}
	return res
}

func BenchmarkGemm(b *testing.B) {
	size := 100
	dev := NewDevice()
	q := dev.NewQueue(4)
	x := dev.NewArray(Float32, size, size)
	y := dev.NewArray(Float32, size, size)
	z := dev.NewArray(Float32, size, size)
	q.Call(
		Write(x, randSlice(size*size)),
		Write(y, randSlice(size*size)),
	).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(Gemm(1, 0, x, y, z, NoTrans, NoTrans)).Finish()
	}
}

func abs(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func TestArrayString(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	q.Call(Write(x, []float32{1, 4, 2, 5, 3, 6}))
	want := "[  1.0000   2.0000   3.0000 ]\n[  4.0000   5.0000   6.0000 ]\n"
	if s := x.String(q); s != want {
		t.Errorf("got\n%s\nwant\n%s", s, want)
	}
	seq := make([]int32, 20)
	for i := range seq {
		seq[i] = int32(i)
	}
	y := dev.NewArray(Int32, 20)
	q.Call(Write(y, seq))
	s := y.String(q)
	t.Log(s)
	if !strings.HasPrefix(s, "[    0     1     2     3     ... ") || !strings.HasSuffix(s, "   19 ]\n") {
		t.Error("edge items not elided:", s)
	}
	z := dev.NewArray(Float32, 2, 2, 2)
	if s := z.String(q); !strings.Contains(s, "[1]\n") {
		t.Error("missing plane index:", s)
	}
	q.Shutdown()
}
