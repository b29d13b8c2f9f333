package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Training configuration settings
type Config struct {
	DataSet       string
	Optimizer     string
	Eta           float64
	Lambda        float64
	Momentum      float64
	Beta1         float64
	Beta2         float64
	Epsilon       float64
	WeightInit    InitType
	Bias          float64
	Shuffle       bool
	DropRemainder bool
	Normalise     bool
	Distort       bool
	TrainBatch    int
	TestBatch     int
	MaxEpoch      int
	MaxSamples    int
	LogEvery      int
	StopAfter     int
	MinLoss       float64
	RandSeed      int64
	Threads       int
	DebugLevel    int
	Profile       bool
	TrainRuns     int
	Layers        []LayerConfig
}

// Load network config from JSON or YAML file under DataDir, the format is chosen by the file extension.
func LoadConfig(name string) (c Config, err error) {
	filePath := path.Join(DataDir, name)
	var f *os.File
	if f, err = os.Open(filePath); err != nil {
		return c, errors.Wrap(err, "error loading config")
	}
	defer f.Close()
	fmt.Println("loading network config from", name)
	if isYAML(name) {
		err = yaml.NewDecoder(f).Decode(&c)
	} else {
		err = json.NewDecoder(f).Decode(&c)
	}
	if err != nil {
		return c, errors.Wrapf(err, "error decoding %s", name)
	}
	return c, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Save default network definition and overwites current config
func (c Config) SaveDefault(name string) error {
	err := c.Save(name + ".default")
	if err != nil {
		return err
	}
	err = c.Save(name + ".conf")
	return err
}

// Save config to JSON or YAML file under DataDir
func (c Config) Save(name string) error {
	filePath := path.Join(DataDir, "."+name)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "error saving config")
	}
	fmt.Println("saving network config to", name)
	if isYAML(name) {
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		err = enc.Encode(c)
		if err == nil {
			err = enc.Close()
		}
	} else {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(c)
	}
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "error encoding %s", name)
	}
	f.Close()
	return os.Rename(filePath, path.Join(DataDir, name))
}

// Fields returns the names of the config settings excluding the layer definitions
func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

// Copy returns a copy of the config which does not share the layer list
func (c Config) Copy() Config {
	conf := c
	conf.Layers = append([]LayerConfig{}, c.Layers...)
	return conf
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Layers =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, errors.Errorf("invalid config field: %s", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.String:
		f.SetString(val)
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	default:
		return c, errors.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, err
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if f.IsValid() && f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, errors.Errorf("invalid type for SetBool: %s", key)
}

// Check the settings are consistent and fill in defaults for the optimizer parameters
func (c Config) Validate() (Config, error) {
	switch c.Optimizer {
	case "", "sgd":
		c.Optimizer = "sgd"
	case "adam":
		if c.Beta1 == 0 {
			c.Beta1 = 0.9
		}
		if c.Beta2 == 0 {
			c.Beta2 = 0.999
		}
		if c.Epsilon == 0 {
			c.Epsilon = 1e-7
		}
	default:
		return c, errors.Errorf("invalid optimizer: %q", c.Optimizer)
	}
	if _, ok := initTypes[c.WeightInit]; !ok && c.WeightInit != "" {
		return c, errors.Errorf("invalid weight init: %q", c.WeightInit)
	}
	if c.Eta <= 0 {
		return c, errors.New("learning rate must be > 0")
	}
	if c.TrainBatch < 0 || c.TestBatch < 0 || c.MaxEpoch < 0 || c.MaxSamples < 0 {
		return c, errors.New("batch size, epochs and samples must not be negative")
	}
	if len(c.Layers) == 0 {
		return c, errors.New("no layers defined")
	}
	for i, l := range c.Layers {
		if _, err := l.unmarshal(); err != nil {
			return c, errors.Wrapf(err, "layer %d", i)
		}
	}
	return c, nil
}
