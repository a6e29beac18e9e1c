package iface

import "gocv.io/x/gocv"

// UnknownClass 是类别索引不在名称表里时返回的标签
const UnknownClass = "Unknown"

type NamesConf struct {
	IsFile bool
	Data   any
}

type EngineConfig struct {
	Backend   string
	UseGPU    bool
	ModelPath string
	Names     NamesConf
	Conf      float32
	Iou       float32
	InputSize int
}

// Box is an axis-aligned rectangle in original image pixels.
type Box struct {
	X1, Y1, X2, Y2 float32
}

func (b Box) Width() float32 {
	return b.X2 - b.X1
}

func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

func (b Box) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Detection is one raw model result before the class index is turned into a label.
type Detection struct {
	Box        Box
	Confidence float32
	ClassIndex int
}

// ClassNames maps a class index to its label. Fixed once the model is loaded.
type ClassNames map[int]string

func (n ClassNames) Lookup(idx int) string {
	if name, ok := n[idx]; ok {
		return name
	}
	return UnknownClass
}

// Backend is one loaded model instance. Detect is not required to be safe for
// concurrent use; callers go through engine.Model which hands out one
// instance per call.
type Backend interface {
	Detect(img gocv.Mat) ([]Detection, error)
	Names() ClassNames
	CheckConfig() EngineConfig
	Destroy() error
}
