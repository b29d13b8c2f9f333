// Package cifar10 reads the binary version of the CIFAR-10 image data set.
package cifar10

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jnb666/cifarnet/img"
	"github.com/pkg/errors"
)

const (
	ImageWidth  = 32
	ImageHeight = 32
	imageSize   = ImageWidth * ImageHeight
	recordBytes = imageSize*3 + 1
)

// Default location of the binary archive
const URL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"

var (
	TrainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
	TestFiles  = []string{"test_batch.bin"}
	ClassFile  = "batches.meta.txt"
)

// LoadBatch reads a batch of images and labels in binary format. Each record is a label byte followed by
// the red, green and blue planes stored in row major order. Pixel values are scaled to the range 0-1.
func LoadBatch(dir, name string, classes []string) (*img.Data, error) {
	pathName := filepath.Join(dir, name)
	f, err := os.Open(pathName)
	if err != nil {
		return nil, errors.Wrap(err, "error opening batch file")
	}
	defer f.Close()
	d, err := ReadBatch(bufio.NewReader(f), classes)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", pathName)
	}
	return d, nil
}

// ReadBatch reads records from r until EOF
func ReadBatch(r io.Reader, classes []string) (*img.Data, error) {
	labels := make([]int32, 0, 10000)
	images := make([]*img.Image, 0, 10000)
	buf := make([]uint8, recordBytes)
	for {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Errorf("incomplete record %d", len(labels))
		}
		if err != nil {
			return nil, err
		}
		if int(buf[0]) >= len(classes) {
			return nil, errors.Errorf("record %d: label %d out of range", len(labels), buf[0])
		}
		labels = append(labels, int32(buf[0]))
		m := img.NewImage(ImageWidth, ImageHeight, 3)
		for ch := 0; ch < 3; ch++ {
			pix := m.Pixels(ch)
			src := buf[1+ch*imageSize : 1+(ch+1)*imageSize]
			for j, val := range src {
				x, y := j%ImageWidth, j/ImageWidth
				pix[y+x*ImageHeight] = float32(val) / 255
			}
		}
		images = append(images, m)
	}
	if len(labels) == 0 {
		return nil, errors.New("no records found")
	}
	return img.NewData(classes, labels, images), nil
}

// ReadClasses loads the class descriptions from the batches.meta.txt file
func ReadClasses(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ClassFile))
	if err != nil {
		return nil, errors.Wrap(err, "error reading classes")
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	classes := []string{}
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, s.Err()
}

// Load reads all of the training and test batches from dir
func Load(dir string) (train, test *img.Data, err error) {
	classes, err := ReadClasses(dir)
	if err != nil {
		return nil, nil, err
	}
	if train, err = loadFiles(dir, TrainFiles, classes); err != nil {
		return nil, nil, err
	}
	if test, err = loadFiles(dir, TestFiles, classes); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

func loadFiles(dir string, files []string, classes []string) (*img.Data, error) {
	var data *img.Data
	for _, name := range files {
		d, err := LoadBatch(dir, name, classes)
		if err != nil {
			return nil, err
		}
		fmt.Printf("read %d images from %s\n", d.Len(), name)
		if data == nil {
			data = d
		} else {
			data.Labels = append(data.Labels, d.Labels...)
			data.Images = append(data.Images, d.Images...)
		}
	}
	return data, nil
}

// Exists checks if all of the batch files are present in dir
func Exists(dir string) bool {
	for _, name := range append(append([]string{ClassFile}, TrainFiles...), TestFiles...) {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// Download fetches the gzipped tar archive from url and extracts the batch files into dir.
// Nothing is downloaded if the files already exist.
func Download(ctx context.Context, url, dir string) error {
	if Exists(dir) {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating data directory")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "invalid request")
	}
	fmt.Printf("downloading %s\n", url)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download failed: %s", resp.Status)
	}
	return Extract(resp.Body, dir)
}

// Extract reads a gzipped tar archive and writes the regular files it contains to dir,
// ignoring any directory prefix in the archive.
func Extract(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "error reading archive")
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "error reading archive")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Join(dir, filepath.Base(hdr.Name))
		if err := writeFile(name, tr); err != nil {
			return err
		}
		fmt.Printf("extracted %s\n", name)
	}
}

func writeFile(name string, r io.Reader) error {
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "error creating file")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrapf(err, "error writing %s", name)
	}
	return f.Close()
}
