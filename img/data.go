package img

import (
	"encoding/gob"
	"io"
	"strings"
	"sync"

	"github.com/jnb666/cifarnet/stats"
	"github.com/pkg/errors"
)

// Image data set which implements the nnet.Data interface
type Data struct {
	DataHead
	Images []*Image
}

type DataHead struct {
	Class  []string
	Dims   []int
	Labels []int32
	Mean   []float32
	StdDev []float32
}

// Create a new image set
func NewData(classes []string, labels []int32, images []*Image) *Data {
	src := images[0]
	dims := []int{src.Height, src.Width, src.Channels}
	return &Data{
		DataHead: DataHead{Class: classes, Dims: dims, Labels: labels},
		Images:   images,
	}
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes functions number of differerent label values
func (d *Data) Classes() []string { return d.Class }

// Shape returns height, width, channels
func (d *Data) Shape() []int { return d.Dims }

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input copies the pixel data for each index to buf. If t is set the images are transformed first,
// normalisation on its own is applied directly into buf.
func (d *Data) Input(index []int, buf []float32, t *Transformer) {
	nfeat := d.nfeat()
	switch {
	case t == nil:
		for i, ix := range index {
			copy(buf[i*nfeat:], d.Images[ix].Pix)
		}
	case t.Trans == Normalise:
		if err := d.normaliseTo(index, buf); err != nil {
			panic(err)
		}
	default:
		for i, m := range t.TransformBatch(index, nil) {
			copy(buf[i*nfeat:], m.Pix)
		}
	}
}

func (d *Data) normaliseTo(index []int, buf []float32) error {
	channels := d.Dims[2]
	if len(d.Mean) != channels || len(d.StdDev) != channels {
		return errors.New("error applying normalisation - missing mean and stddev")
	}
	nfeat := d.nfeat()
	plane := nfeat / channels
	for i, ix := range index {
		out := buf[i*nfeat : (i+1)*nfeat]
		for ch := 0; ch < channels; ch++ {
			mean, scale := d.Mean[ch], 1/d.StdDev[ch]
			for j, val := range d.Images[ix].Pixels(ch) {
				out[ch*plane+j] = (val - mean) * scale
			}
		}
	}
	return nil
}

// Image returns the image at index ix. Channel "r", "g" or "b" selects a single colour plane
// which is copied to every channel so it displays as greyscale.
func (d *Data) Image(ix int, channel string) *Image {
	src := d.Images[ix]
	ch := strings.Index("rgb", channel)
	if len(channel) != 1 || ch < 0 || ch >= src.Channels {
		return src
	}
	dst := NewImageLike(src)
	for i := 0; i < src.Channels; i++ {
		copy(dst.Pixels(i), src.Pixels(ch))
	}
	return dst
}

// Slice returns a new data set with the images in the range [start, end). Stats and classes are shared.
func (d *Data) Slice(start, end int) *Data {
	s := &Data{DataHead: d.DataHead}
	s.Labels = append([]int32{}, d.Labels[start:end]...)
	s.Images = append([]*Image{}, d.Images[start:end]...)
	return s
}

// Split holds back the last nvalid images as a validation set. Mean and stddev per channel are
// calculated from the remaining training images and set on both.
func (d *Data) Split(nvalid int) (train, valid *Data, err error) {
	if nvalid <= 0 || nvalid >= d.Len() {
		return nil, nil, errors.Errorf("invalid validation set size %d for %d images", nvalid, d.Len())
	}
	ntrain := d.Len() - nvalid
	train, valid = d.Slice(0, ntrain), d.Slice(ntrain, d.Len())
	mean, std := GetStats(train.Images)
	for _, s := range []*Data{train, valid} {
		s.Mean, s.StdDev = mean, std
	}
	return train, valid, nil
}

func (d *Data) nfeat() int {
	n := 1
	for _, d := range d.Dims {
		n *= d
	}
	return n
}

// Encode data to binary file
func (d *Data) Encode(w io.Writer) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(&d.DataHead); err != nil {
		return errors.Wrap(err, "error encoding header")
	}
	for i, img := range d.Images {
		if err := enc.Encode(img); err != nil {
			return errors.Wrapf(err, "error encoding image %d", i)
		}
	}
	return nil
}

// Decode data from binary file
func (d *Data) Decode(r io.Reader) error {
	d.DataHead = DataHead{}
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&d.DataHead); err != nil {
		return errors.Wrap(err, "error decoding header")
	}
	d.Images = make([]*Image, d.Len())
	for i := range d.Images {
		if err := dec.Decode(&d.Images[i]); err != nil {
			return errors.Wrapf(err, "error decoding image %d", i)
		}
	}
	return nil
}

// GetStats calculates the mean and stddev of the pixel values for each channel over one or more
// lists of images. Each channel is processed in its own goroutine.
func GetStats(imgList ...[]*Image) (mean, std []float32) {
	channels := imgList[0][0].Channels
	mean = make([]float32, channels)
	std = make([]float32, channels)
	var wg sync.WaitGroup
	for ch := 0; ch < channels; ch++ {
		wg.Add(1)
		go func(ch int) {
			defer wg.Done()
			var total stats.Average
			for _, images := range imgList {
				var s stats.Average
				for _, m := range images {
					s.AddAll(m.Pixels(ch))
				}
				total.Merge(s)
			}
			mean[ch], std[ch] = float32(total.Mean), float32(total.StdDev())
		}(ch)
	}
	wg.Wait()
	return mean, std
}
