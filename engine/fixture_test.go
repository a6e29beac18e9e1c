package engine

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// TensorProto.DataType
const (
	onnxFloat = 1
	onnxInt64 = 7
)

func pbMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func pbString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func pbInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func onnxFloatTensor(name string, dims []int64, values []float32) []byte {
	var t []byte
	for _, d := range dims {
		t = pbInt(t, 1, d)
	}
	t = pbInt(t, 2, onnxFloat)
	t = pbString(t, 8, name)
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return pbMessage(t, 9, raw)
}

func onnxInt64Tensor(name string, values []int64) []byte {
	t := pbInt(nil, 1, int64(len(values)))
	t = pbInt(t, 2, onnxInt64)
	t = pbString(t, 8, name)
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}
	return pbMessage(t, 9, raw)
}

// onnxInts is an AttributeProto of type INTS.
func onnxInts(name string, values ...int64) []byte {
	a := pbString(nil, 1, name)
	for _, v := range values {
		a = pbInt(a, 8, v)
	}
	return pbInt(a, 20, 7)
}

func onnxNode(op string, inputs []string, output string, attrs ...[]byte) []byte {
	var n []byte
	for _, in := range inputs {
		n = pbString(n, 1, in)
	}
	n = pbString(n, 2, output)
	n = pbString(n, 3, op+"_0")
	n = pbString(n, 4, op)
	for _, a := range attrs {
		n = pbMessage(n, 5, a)
	}
	return n
}

func onnxValueInfo(name string, dims []int64) []byte {
	var shape []byte
	for _, d := range dims {
		shape = pbMessage(shape, 1, pbInt(nil, 1, d))
	}
	tensorType := pbInt(nil, 1, onnxFloat)
	tensorType = pbMessage(tensorType, 2, shape)
	v := pbString(nil, 1, name)
	return pbMessage(v, 2, pbMessage(nil, 1, tensorType))
}

// writeYoloFixture writes a minimal ONNX model with a size x size RGB input
// and a [1, len(head)/anchors, anchors] output whose values are always head.
// names is stored as Ultralytics-style metadata when not empty.
func writeYoloFixture(t *testing.T, size int, head []float32, names string) string {
	t.Helper()
	anchors := AnchorCount(size)
	require.Zero(t, len(head)%anchors)
	channels := len(head) / anchors

	// images -> GlobalAveragePool -> 1x1 Conv (权重为 0，偏置即输出) -> Reshape
	var g []byte
	g = pbMessage(g, 1, onnxNode("GlobalAveragePool", []string{"images"}, "pooled"))
	g = pbMessage(g, 1, onnxNode("Conv", []string{"pooled", "w", "b"}, "conv", onnxInts("kernel_shape", 1, 1)))
	g = pbMessage(g, 1, onnxNode("Reshape", []string{"conv", "shape"}, "output0"))
	g = pbString(g, 2, "yolo_fixture")
	g = pbMessage(g, 5, onnxFloatTensor("w", []int64{int64(len(head)), 3, 1, 1}, make([]float32, 3*len(head))))
	g = pbMessage(g, 5, onnxFloatTensor("b", []int64{int64(len(head))}, head))
	g = pbMessage(g, 5, onnxInt64Tensor("shape", []int64{1, int64(channels), int64(anchors)}))
	g = pbMessage(g, 11, onnxValueInfo("images", []int64{1, 3, int64(size), int64(size)}))
	g = pbMessage(g, 12, onnxValueInfo("output0", []int64{1, int64(channels), int64(anchors)}))

	m := pbInt(nil, 1, 8)
	m = pbString(m, 2, "YoloDetServer")
	m = pbMessage(m, 7, g)
	m = pbMessage(m, 8, pbInt(nil, 2, 13))
	if names != "" {
		entry := pbString(nil, 1, "names")
		entry = pbString(entry, 2, names)
		m = pbMessage(m, 14, entry)
	}

	path := filepath.Join(t.TempDir(), "fixture.onnx")
	require.NoError(t, os.WriteFile(path, m, 0o644))
	return path
}
