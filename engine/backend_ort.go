package engine

import (
	iface "YoloDetServer/interface"
	"YoloDetServer/logger"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// OnnxDetector runs the model through onnxruntime. The session is bound to
// its own input and output tensors, so one detector serves one call at a time.
type OnnxDetector struct {
	ModelPath   string
	Conf        float32
	Iou         float32
	InputSize   int
	names       iface.ClassNames
	decode      DecodeOptions
	session     *ort.AdvancedSession
	input       *ort.Tensor[float32]
	output      *ort.Tensor[float32]
	outputShape ort.Shape
}

func initOnnxEnvironment(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	path, err := FindSharedLibrary(libPath)
	if err != nil {
		return err
	}
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrapf(err, "initialize onnxruntime from %s", path)
	}
	logger.Log().Info("onnxruntime loaded", zap.String("lib", path))
	return nil
}

func destroyOnnxEnvironment() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// readModelNames reads the class table embedded in the model's metadata.
func readModelNames(modelPath string) (iface.ClassNames, error) {
	md, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return nil, errors.Wrap(err, "read model metadata")
	}
	defer md.Destroy()
	raw, ok, err := md.LookupCustomMetadataMap("names")
	if err != nil {
		return nil, errors.Wrap(err, "lookup names metadata")
	}
	if !ok {
		return nil, errors.New("model metadata has no names entry")
	}
	return parseMetadataNames(raw)
}

func newOnnxDetector(opts Options, names iface.ClassNames) (*OnnxDetector, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "inspect %s", opts.ModelPath)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, errors.Errorf("expected 1 input and at least 1 output, got %d and %d", len(inputs), len(outputs))
	}

	size := opts.InputSize
	if in := inputs[0].Dimensions; len(in) == 4 && in[2] > 0 && in[2] == in[3] {
		size = int(in[2])
	}
	outShape := append(ort.Shape(nil), outputs[0].Dimensions...)
	if len(outShape) > 0 && outShape[0] < 0 {
		outShape[0] = 1
	}
	for _, d := range outShape {
		if d <= 0 {
			return nil, errors.Wrapf(ErrBadOutputShape, "dynamic output %v is not supported", outputs[0].Dimensions)
		}
	}

	decode := opts.decodeOptions()
	decode.Anchors = AnchorCount(size)
	d := &OnnxDetector{
		ModelPath:   opts.ModelPath,
		Conf:        opts.Conf,
		Iou:         opts.Iou,
		InputSize:   size,
		names:       names,
		decode:      decode,
		outputShape: outShape,
	}
	d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	d.output, err = ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		_ = d.input.Destroy()
		return nil, errors.Wrap(err, "create output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		_ = d.Destroy()
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()

	d.session, err = ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.Value{d.input},
		[]ort.Value{d.output},
		options,
	)
	if err != nil {
		_ = d.Destroy()
		return nil, errors.Wrapf(err, "create session for %s", opts.ModelPath)
	}
	return d, nil
}

func (d *OnnxDetector) Detect(img gocv.Mat) ([]iface.Detection, error) {
	if img.Empty() {
		return nil, errors.New("empty image")
	}
	src, err := img.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "convert image")
	}
	lb := NewLetterbox(img.Cols(), img.Rows(), d.InputSize)
	letterboxTensor(d.input.GetData(), src, lb)
	if err := d.session.Run(); err != nil {
		return nil, errors.Wrap(err, "run session")
	}
	return DecodeYoloOutput(d.output.GetData(), d.outputShape, lb, d.decode)
}

func (d *OnnxDetector) Names() iface.ClassNames {
	return d.names
}

func (d *OnnxDetector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   BackendOnnx,
		ModelPath: d.ModelPath,
		Names:     iface.NamesConf{IsFile: false, Data: sortedNames(d.names)},
		Conf:      d.Conf,
		Iou:       d.Iou,
		InputSize: d.InputSize,
	}
}

func (d *OnnxDetector) Destroy() error {
	var errs []error
	if d.session != nil {
		errs = append(errs, d.session.Destroy())
		d.session = nil
	}
	if d.input != nil {
		errs = append(errs, d.input.Destroy())
		d.input = nil
	}
	if d.output != nil {
		errs = append(errs, d.output.Destroy())
		d.output = nil
	}
	return combine(errs...)
}
