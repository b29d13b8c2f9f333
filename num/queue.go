package num

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/cpuid/v2"
)

// Max no. of functions buffered before the queue is flushed
const QueueSize = 128

// no. of goroutines used by the parallel kernels
var cpuThreads atomic.Int32

func init() {
	cpuThreads.Store(int32(DefaultThreads()))
}

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue(threads int) Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
	// Create new DNN layers
	ConvLayer(nBatch, depth, h, w, nFeats, size, stride int, pad bool) Layer
	MaxPoolLayer(inShape []int, size, stride int) Layer
}

// Initialise new CPU device
func NewDevice() Device {
	return cpuDevice{}
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Buffered function call, executed when the buffer is full or on Finish
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	Profile() string
}

// DefaultThreads returns the number of physical cores, or the logical CPU count if this is not known
func DefaultThreads() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// CPUInfo returns a description of the processor and the vector extensions which are available
func CPUInfo() string {
	s := fmt.Sprintf("%s: %d cores %d threads", strings.TrimSpace(cpuid.CPU.BrandName),
		cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
	var ext []string
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			ext = append(ext, f.String())
		}
	}
	if len(ext) > 0 {
		s += " [" + strings.Join(ext, " ") + "]"
	}
	return s
}

// CPU device executes functions using Go routines and the gonum BLAS implementation
type cpuDevice struct{}

type cpuQueue struct {
	cpuDevice
	buffer [QueueSize]Function
	queued int
	*profile
}

func (d cpuDevice) NewQueue(threads int) Queue {
	setCPUThreads(threads)
	return &cpuQueue{
		cpuDevice: d,
		profile:   newProfile(),
	}
}

// threads < 1 leaves the current setting unchanged
func setCPUThreads(threads int) {
	if threads >= 1 {
		cpuThreads.Store(int32(threads))
	}
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) exec() {
	for _, f := range q.buffer[:q.queued] {
		if q.profile.enabled {
			start := time.Now()
			f.call()
			q.profile.add(f.desc, time.Since(start))
		} else {
			f.call()
		}
	}
	q.queued = 0
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.queued >= QueueSize {
			q.exec()
		}
		q.buffer[q.queued] = arg
		q.queued++
	}
	return q
}

func (q *cpuQueue) Finish() {
	if q.queued > 0 {
		q.exec()
	}
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
	if q.profile.enabled {
		fmt.Print(q.Profile())
	}
}

// run fn over the range [0, n) split into chunks, one per thread
func parallel(n int, fn func(start, end int)) {
	threads := int(cpuThreads.Load())
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		fn(0, n)
		return
	}
	var wg sync.WaitGroup
	chunk := (n + threads - 1) / threads
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			fn(start, end)
			wg.Done()
		}(start, end)
	}
	wg.Wait()
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += elapsed.Seconds() * 1000
	p.prof[name] = r
}

func (p *profile) Profile() string {
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	totalCalls := int64(0)
	totalMsec := 0.0
	s := "== Profile ==\n"
	for _, r := range list {
		s += fmt.Sprintf("%-25s %8d calls %10.1f msec\n", r.name, r.calls, r.msec)
		totalCalls += r.calls
		totalMsec += r.msec
	}
	s += fmt.Sprintf("%-25s %8d calls %10.1f msec\n", "TOTAL", totalCalls, totalMsec)
	return s
}
