package main

import (
	"YoloDetServer/engine"
	iface "YoloDetServer/interface"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// sizeBackend reports one box covering the whole image plus one box of a
// class that is missing from the table.
type sizeBackend struct {
	err  error
	none bool
}

func (b *sizeBackend) Detect(img gocv.Mat) ([]iface.Detection, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.none {
		return nil, nil
	}
	w, h := float32(img.Cols()), float32(img.Rows())
	return []iface.Detection{
		{Box: iface.Box{X1: 0, Y1: 0, X2: w, Y2: h}, Confidence: 0.91, ClassIndex: 0},
		{Box: iface.Box{X1: 1, Y1: 1, X2: w / 2, Y2: h / 2}, Confidence: 0.42, ClassIndex: 7},
	}, nil
}

func (b *sizeBackend) Names() iface.ClassNames { return iface.ClassNames{0: "person", 1: "car"} }

func (b *sizeBackend) CheckConfig() iface.EngineConfig { return iface.EngineConfig{Backend: "mock"} }

func (b *sizeBackend) Destroy() error { return nil }

func newTestRouter(t *testing.T, backends ...iface.Backend) *gin.Engine {
	t.Helper()
	return newTestRouterWithConfig(t, defaultConfig(), backends...)
}

func newTestRouterWithConfig(t *testing.T, config configStruct, backends ...iface.Backend) *gin.Engine {
	t.Helper()
	model, err := engine.NewModel(iface.ClassNames{0: "person", 1: "car"}, backends...)
	require.NoError(t, err)
	return newRouter(model, config)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	req := httptest.NewRequest(http.MethodPost, "/predict/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestPredictSuccess(t *testing.T) {
	r := newTestRouter(t, &sizeBackend{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, "file", "street.png", pngBytes(t, 64, 48)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	require.Len(t, resp.Detections, 2)

	assert.Equal(t, []float32{0, 0, 64, 48}, resp.Detections[0].BBox)
	assert.Equal(t, "person", resp.Detections[0].ClassName)
	assert.Equal(t, "Unknown", resp.Detections[1].ClassName)
	for _, d := range resp.Detections {
		assert.GreaterOrEqual(t, d.Confidence, float32(0))
		assert.LessOrEqual(t, d.Confidence, float32(1))
		assert.Len(t, d.BBox, 4)
	}

	raw, err := base64.StdEncoding.DecodeString(resp.ImageBase64)
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)
}

func TestPredictJSONFieldNames(t *testing.T) {
	r := newTestRouter(t, &sizeBackend{none: true})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, "file", "empty.png", pngBytes(t, 16, 16)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])
	// 没有检测结果时也是数组而不是 null
	assert.Equal(t, []any{}, body["detections"])
	assert.NotEmpty(t, body["image_base64"])
}

func TestPredictFailures(t *testing.T) {
	tests := []struct {
		name    string
		backend *sizeBackend
		field   string
		data    []byte
		limitMB int64
		status  int
	}{
		{"not an image", &sizeBackend{}, "file", []byte("definitely not an image"), 0, http.StatusBadRequest},
		{"empty file", &sizeBackend{}, "file", []byte{}, 0, http.StatusBadRequest},
		{"missing field", &sizeBackend{}, "image", []byte("x"), 0, http.StatusBadRequest},
		{"inference error", &sizeBackend{err: errors.New("session run failed")}, "file", nil, 0, http.StatusInternalServerError},
		{"too large", &sizeBackend{}, "file", bytes.Repeat([]byte{0xff}, 2<<20), 1, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.data
			if data == nil {
				data = pngBytes(t, 8, 8)
			}
			config := defaultConfig()
			if tt.limitMB > 0 {
				config.MaxUploadMB = tt.limitMB
			}
			r := newTestRouterWithConfig(t, config, tt.backend)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, uploadRequest(t, tt.field, "upload.bin", data))
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotContains(t, body, "status")
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestPredictConcurrentRequests(t *testing.T) {
	// 单实例，所有请求共用一个后端
	r := newTestRouter(t, &sizeBackend{})
	var wg sync.WaitGroup
	for i := 1; i <= 12; i++ {
		wg.Add(1)
		go func(w, h int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, uploadRequest(t, "file", fmt.Sprintf("%d.png", w), pngBytes(t, w, h)))
			if !assert.Equal(t, http.StatusOK, rec.Code) {
				return
			}
			var resp PredictResponse
			if assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp)) && assert.NotEmpty(t, resp.Detections) {
				assert.Equal(t, []float32{0, 0, float32(w), float32(h)}, resp.Detections[0].BBox)
			}
		}(8*i, 4*i+3)
	}
	wg.Wait()
}

func TestBytesToMat(t *testing.T) {
	mat, err := BytesToMat(pngBytes(t, 10, 6))
	require.NoError(t, err)
	defer mat.Close()
	assert.Equal(t, 10, mat.Cols())
	assert.Equal(t, 6, mat.Rows())
	assert.Equal(t, 3, mat.Channels())

	_, err = BytesToMat([]byte("nope"))
	assert.ErrorIs(t, err, ErrImageDecode)
}
