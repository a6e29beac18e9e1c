package engine

import (
	iface "YoloDetServer/interface"
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// DnnDetector runs the model through the OpenCV DNN module. A gocv.Net is not
// safe for concurrent Forward calls.
type DnnDetector struct {
	ModelPath string
	Conf      float32
	Iou       float32
	InputSize int
	UseGPU    bool
	names     iface.ClassNames
	decode    DecodeOptions
	net       gocv.Net
}

func newDnnDetector(opts Options, names iface.ClassNames) (*DnnDetector, error) {
	net := gocv.ReadNetFromONNX(opts.ModelPath)
	if net.Empty() {
		_ = net.Close()
		return nil, errors.Errorf("opencv could not read %s", opts.ModelPath)
	}
	if opts.UseGPU {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}
	decode := opts.decodeOptions()
	decode.Anchors = AnchorCount(opts.InputSize)
	return &DnnDetector{
		ModelPath: opts.ModelPath,
		Conf:      opts.Conf,
		Iou:       opts.Iou,
		InputSize: opts.InputSize,
		UseGPU:    opts.UseGPU,
		names:     names,
		decode:    decode,
		net:       net,
	}, nil
}

func (d *DnnDetector) Detect(img gocv.Mat) ([]iface.Detection, error) {
	if img.Empty() {
		return nil, errors.New("empty image")
	}
	lb := NewLetterbox(img.Cols(), img.Rows(), d.InputSize)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(lb.NewW, lb.NewH), 0, 0, gocv.InterpolationLinear)

	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(resized, &padded,
		lb.Top, lb.Size-lb.NewH-lb.Top,
		lb.Left, lb.Size-lb.NewW-lb.Left,
		gocv.BorderConstant, color.RGBA{R: padValue, G: padValue, B: padValue, A: 0})

	// BGR -> RGB, 归一化到 [0,1]
	blob := gocv.BlobFromImage(padded, 1.0/255.0, image.Pt(lb.Size, lb.Size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()
	if out.Empty() {
		return nil, errors.New("forward returned an empty output")
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "read output")
	}
	sizes := out.Size()
	shape := make([]int64, len(sizes))
	for i, s := range sizes {
		shape[i] = int64(s)
	}
	return DecodeYoloOutput(data, shape, lb, d.decode)
}

func (d *DnnDetector) Names() iface.ClassNames {
	return d.names
}

func (d *DnnDetector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   BackendOpenCV,
		UseGPU:    d.UseGPU,
		ModelPath: d.ModelPath,
		Names:     iface.NamesConf{IsFile: false, Data: sortedNames(d.names)},
		Conf:      d.Conf,
		Iou:       d.Iou,
		InputSize: d.InputSize,
	}
}

func (d *DnnDetector) Destroy() error {
	return d.net.Close()
}
