package engine

import (
	iface "YoloDetServer/interface"
	"YoloDetServer/logger"
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

type Options struct {
	Backend       string
	ModelPath     string
	SharedLibPath string
	Names         iface.NamesConf
	Conf          float32
	Iou           float32
	InputSize     int
	MaxDetections int
	Workers       int
	UseGPU        bool
	Warmup        bool
}

func (o Options) withDefaults() Options {
	if o.Backend == "" {
		o.Backend = BackendOnnx
	}
	if o.Conf <= 0 || o.Conf > 1 {
		o.Conf = DefaultConf
	}
	if o.Iou <= 0 || o.Iou > 1 {
		o.Iou = DefaultIou
	}
	if o.InputSize <= 0 {
		o.InputSize = DefaultInputSize
	}
	if o.MaxDetections <= 0 {
		o.MaxDetections = DefaultMaxDetections
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

func (o Options) decodeOptions() DecodeOptions {
	return DecodeOptions{Conf: o.Conf, Iou: o.Iou, MaxDetections: o.MaxDetections}
}

// Model is the loaded detector: a fixed set of backend instances and the
// class table they share. Each Detect call borrows one instance.
type Model struct {
	names     iface.ClassNames
	all       []iface.Backend
	instances chan iface.Backend
	onnxEnv   bool
}

// Load builds opts.Workers backend instances for the model at opts.ModelPath.
// Any error here means the server cannot serve.
func Load(opts Options) (*Model, error) {
	opts = opts.withDefaults()
	if !fileExists(opts.ModelPath) {
		return nil, errors.Wrap(ErrModelNotFound, opts.ModelPath)
	}
	names, err := namesFromConf(opts.Names)
	if err != nil {
		return nil, err
	}

	var factory func() (iface.Backend, error)
	switch opts.Backend {
	case BackendOnnx:
		if err := initOnnxEnvironment(opts.SharedLibPath); err != nil {
			return nil, err
		}
		if names == nil {
			names, err = readModelNames(opts.ModelPath)
			if err != nil {
				logger.Log().Warn("no class names available, every label will be Unknown", zap.Error(err))
				names = iface.ClassNames{}
			}
		}
		factory = func() (iface.Backend, error) { return newOnnxDetector(opts, names) }
	case BackendOpenCV:
		if names == nil {
			logger.Log().Warn("opencv backend has no class names configured, every label will be Unknown")
			names = iface.ClassNames{}
		}
		factory = func() (iface.Backend, error) { return newDnnDetector(opts, names) }
	default:
		return nil, errors.Wrap(ErrUnsupportedBackend, opts.Backend)
	}

	backends := make([]iface.Backend, 0, opts.Workers)
	cleanup := func() {
		for _, b := range backends {
			_ = b.Destroy()
		}
		if opts.Backend == BackendOnnx {
			_ = destroyOnnxEnvironment()
		}
	}
	for i := 0; i < opts.Workers; i++ {
		b, err := factory()
		if err != nil {
			cleanup()
			return nil, errors.Wrapf(err, "create backend instance %d", i)
		}
		backends = append(backends, b)
		if opts.Warmup {
			warmup(b, i)
		}
	}

	m, err := NewModel(names, backends...)
	if err != nil {
		cleanup()
		return nil, err
	}
	m.onnxEnv = opts.Backend == BackendOnnx
	logger.Log().Info("model loaded",
		zap.String("backend", opts.Backend),
		zap.String("model", opts.ModelPath),
		zap.Int("instances", len(backends)),
		zap.Int("classes", len(names)))
	return m, nil
}

// NewModel wraps already created backends.
func NewModel(names iface.ClassNames, backends ...iface.Backend) (*Model, error) {
	if len(backends) == 0 {
		return nil, ErrNoInstance
	}
	if names == nil {
		names = iface.ClassNames{}
	}
	m := &Model{
		names:     names,
		all:       backends,
		instances: make(chan iface.Backend, len(backends)),
	}
	for _, b := range backends {
		m.instances <- b
	}
	return m, nil
}

func warmup(b iface.Backend, id int) {
	warmMat := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3) // 小黑图，非空
	defer warmMat.Close()
	for i := 0; i < 3; i++ {
		// 防止 Detect 内部 panic 导致服务崩溃，保护性调用
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log().Error("panic during warmup detect", zap.Int("instance", id), zap.Any("panic", r))
				}
			}()
			_, _ = b.Detect(warmMat)
		}()
	}
	logger.Log().Info("warm up finished", zap.Int("instance", id))
}

// Detect runs img through one free backend instance. It waits for an
// instance until ctx is done.
func (m *Model) Detect(ctx context.Context, img gocv.Mat) (dets []iface.Detection, err error) {
	var b iface.Backend
	select {
	case b = <-m.instances:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() {
		m.instances <- b
	}()
	defer func() {
		if r := recover(); r != nil {
			dets, err = nil, errors.Errorf("backend panic: %v", r)
		}
	}()
	return b.Detect(img)
}

func (m *Model) Names() iface.ClassNames {
	return m.names
}

func (m *Model) Size() int {
	return len(m.all)
}

func (m *Model) Config() iface.EngineConfig {
	return m.all[0].CheckConfig()
}

// Close destroys every instance. It must not race with Detect.
func (m *Model) Close() error {
	errs := make([]error, 0, len(m.all)+1)
	for _, b := range m.all {
		errs = append(errs, b.Destroy())
	}
	if m.onnxEnv {
		errs = append(errs, destroyOnnxEnvironment())
	}
	return combine(errs...)
}

func combine(errs ...error) error {
	return multierr.Combine(errs...)
}

func sortedNames(names iface.ClassNames) []string {
	idx := make([]int, 0, len(names))
	for i := range names {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, names[i])
	}
	return out
}
