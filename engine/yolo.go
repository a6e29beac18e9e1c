package engine

import (
	iface "YoloDetServer/interface"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Letterbox describes how a source image was scaled and padded into the
// square model input, so boxes can be mapped back to source pixels.
type Letterbox struct {
	SrcW, SrcH int
	Size       int
	Scale      float32
	NewW, NewH int
	Left, Top  int
}

func NewLetterbox(srcW, srcH, size int) Letterbox {
	scale := float32(math.Min(float64(size)/float64(srcW), float64(size)/float64(srcH)))
	newW := int(math.Round(float64(float32(srcW) * scale)))
	newH := int(math.Round(float64(float32(srcH) * scale)))
	newW = min(max(newW, 1), size)
	newH = min(max(newH, 1), size)
	return Letterbox{
		SrcW:  srcW,
		SrcH:  srcH,
		Size:  size,
		Scale: scale,
		NewW:  newW,
		NewH:  newH,
		Left:  (size - newW) / 2,
		Top:   (size - newH) / 2,
	}
}

// Unmap converts a box from model input space to source image space.
func (l Letterbox) Unmap(b iface.Box) iface.Box {
	fx := func(v float32) float32 {
		return clamp((v-float32(l.Left))/l.Scale, 0, float32(l.SrcW))
	}
	fy := func(v float32) float32 {
		return clamp((v-float32(l.Top))/l.Scale, 0, float32(l.SrcH))
	}
	return iface.Box{X1: fx(b.X1), Y1: fy(b.Y1), X2: fx(b.X2), Y2: fy(b.Y2)}
}

type DecodeOptions struct {
	Conf          float32
	Iou           float32
	MaxDetections int
	// Anchors is the number of predictions the head carries for the model
	// input size, see AnchorCount. Zero falls back to guessing the layout.
	Anchors int
}

var headStrides = []int{8, 16, 32}

// AnchorCount returns how many predictions a YOLOv8 head emits for a square
// input of size pixels: one per cell of the stride 8, 16 and 32 grids.
func AnchorCount(size int) int {
	if size <= 0 {
		return 0
	}
	total := 0
	for _, s := range headStrides {
		n := (size + s - 1) / s
		total += n * n
	}
	return total
}

// DecodeYoloOutput turns a YOLOv8-style detection head into detections in
// source pixels. The head is [1, 4+nc, anchors] or its transpose
// [1, anchors, 4+nc]; rows 0..3 are cx, cy, w, h and the rest are class scores.
func DecodeYoloOutput(data []float32, shape []int64, lb Letterbox, opts DecodeOptions) ([]iface.Detection, error) {
	dims := make([]int, 0, len(shape))
	for _, d := range shape {
		dims = append(dims, int(d))
	}
	if len(dims) == 3 {
		if dims[0] != 1 {
			return nil, errors.Wrapf(ErrBadOutputShape, "batch size %d", dims[0])
		}
		dims = dims[1:]
	}
	if len(dims) != 2 {
		return nil, errors.Wrapf(ErrBadOutputShape, "got %v", shape)
	}
	if dims[0]*dims[1] != len(data) {
		return nil, errors.Wrapf(ErrBadOutputShape, "shape %v does not match %d values", shape, len(data))
	}

	channels, anchors := dims[0], dims[1]
	transposed := false
	switch {
	case opts.Anchors > 0 && dims[1] == opts.Anchors:
	case opts.Anchors > 0 && dims[0] == opts.Anchors:
		channels, anchors = anchors, channels
		transposed = true
	case channels > anchors:
		// 不知道输入尺寸时按类别数少于预测数处理
		channels, anchors = anchors, channels
		transposed = true
	}
	if channels < 5 {
		return nil, errors.Wrapf(ErrBadOutputShape, "need at least 5 channels, got %d", channels)
	}
	at := func(c, i int) float32 {
		if transposed {
			return data[i*channels+c]
		}
		return data[c*anchors+i]
	}

	candidates := make([]iface.Detection, 0, 64)
	for i := 0; i < anchors; i++ {
		classIdx, score := -1, float32(0)
		for c := 4; c < channels; c++ {
			if s := at(c, i); classIdx < 0 || s > score {
				classIdx, score = c-4, s
			}
		}
		if score < opts.Conf || score <= 0 {
			continue
		}
		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		box := lb.Unmap(iface.Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2})
		if box.Area() <= 0 {
			continue
		}
		candidates = append(candidates, iface.Detection{
			Box:        box,
			Confidence: clamp(score, 0, 1),
			ClassIndex: classIdx,
		})
	}
	return NonMaxSuppression(candidates, opts.Iou, opts.MaxDetections), nil
}

// NonMaxSuppression keeps the highest-confidence box of every overlapping
// group of the same class. The result is ordered by confidence, highest first.
func NonMaxSuppression(dets []iface.Detection, iouThreshold float32, limit int) []iface.Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})
	kept := make([]iface.Detection, 0, len(dets))
	for _, d := range dets {
		if limit > 0 && len(kept) >= limit {
			break
		}
		suppressed := false
		for _, k := range kept {
			if k.ClassIndex == d.ClassIndex && IoU(k.Box, d.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

func IoU(a, b iface.Box) float32 {
	inter := iface.Box{
		X1: max(a.X1, b.X1),
		Y1: max(a.Y1, b.Y1),
		X2: min(a.X2, b.X2),
		Y2: min(a.Y2, b.Y2),
	}.Area()
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
