package img

import (
	"math/rand"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Types of image transformations
type TransType int

const NoTrans TransType = 0

const (
	HorizFlip TransType = 1 << iota
	Pan
	Normalise
)

// Distortions applied to training images
var Distort = HorizFlip | Pan

var transTypeNames = map[TransType]string{
	HorizFlip: "HorizFlip",
	Pan:       "Pan",
	Normalise: "Normalise",
}

func (t TransType) String() string {
	if t == NoTrans {
		return "None"
	}
	s := []string{}
	for key, name := range transTypeNames {
		if t&key != 0 {
			s = append(s, name)
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// Get transform type from the config options
func GetTransType(normalise, distort bool) TransType {
	t := NoTrans
	if normalise {
		t = Normalise
	}
	if distort {
		t |= Distort
	}
	return t
}

// Maximum offset in pixels for the Pan transform
var PanPixels = 4

type Transformer struct {
	Amount float64
	Trans  TransType
	data   *Data
	w, h   int
	rng    []*rand.Rand
}

// Create a new transformer object which applies a sequence of image transformations
func NewTransformer(data *Data, trans TransType, rng *rand.Rand) *Transformer {
	threads := runtime.GOMAXPROCS(0)
	t := &Transformer{Amount: 1, Trans: trans, data: data, w: data.Dims[1], h: data.Dims[0]}
	for i := 0; i < threads; i++ {
		t.rng = append(t.rng, rand.New(rand.NewSource(rng.Int63())))
	}
	return t
}

// Transform a batch of images in parallel
func (t *Transformer) TransformBatch(index []int, dst []*Image) []*Image {
	if dst == nil {
		dst = make([]*Image, len(index))
	}
	var wg sync.WaitGroup
	queue := make(chan int, len(t.rng))
	for thread := range t.rng {
		wg.Add(1)
		go func(thread int) {
			var err error
			for i := range queue {
				ix := index[i]
				dst[i], err = t.Transform(t.data.Images[ix], thread)
				if err != nil {
					panic(err)
				}
			}
			wg.Done()
		}(thread)
	}
	for i := range index {
		queue <- i
	}
	close(queue)
	wg.Wait()
	return dst
}

// Perform one or more image transforms
func (t *Transformer) Transform(img *Image, thread int) (*Image, error) {
	rng := t.rng[thread]
	if t.Trans&HorizFlip != 0 && rng.Float64() > 0.5 {
		img = transform(img, func(x, y int) (int, int) { return t.w - x - 1, y })
	}
	if t.Trans&Pan != 0 {
		off := int(float64(PanPixels)*t.Amount + 0.5)
		ox := rng.Intn(2*off+1) - off
		oy := rng.Intn(2*off+1) - off
		if ox != 0 || oy != 0 {
			img = transform(img, func(x, y int) (int, int) { return wrap(x-ox, t.w), wrap(y-oy, t.h) })
		}
	}
	var err error
	if t.Trans&Normalise != 0 {
		img, err = t.normalise(img)
	}
	return img, err
}

func (t *Transformer) normalise(src *Image) (*Image, error) {
	channels := src.Channels
	if len(t.data.Mean) != channels || len(t.data.StdDev) != channels {
		return src, errors.New("error applying normalisation - missing mean and stddev")
	}
	dst := NewImageLike(src)
	for ch := 0; ch < channels; ch++ {
		pix := dst.Pixels(ch)
		for i, val := range src.Pixels(ch) {
			pix[i] = (val - t.data.Mean[ch]) / t.data.StdDev[ch]
		}
	}
	return dst, nil
}

// copy pixel planes directly so that values outside the 0-1 range are preserved
func transform(src *Image, fn func(x, y int) (int, int)) *Image {
	dst := NewImageLike(src)
	for ch := 0; ch < src.Channels; ch++ {
		in, out := src.Pixels(ch), dst.Pixels(ch)
		for x := 0; x < src.Width; x++ {
			for y := 0; y < src.Height; y++ {
				sx, sy := fn(x, y)
				out[y+x*src.Height] = in[sy+sx*src.Height]
			}
		}
	}
	return dst
}

// reflect coordinates outside the image back inside
func wrap(x, dx int) int {
	if x < 0 {
		return -x - 1
	}
	if x >= dx {
		return 2*dx - x - 1
	}
	return x
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}
