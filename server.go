package main

import (
	iface "YoloDetServer/interface"
	"YoloDetServer/logger"
	"YoloDetServer/monitor"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const StatusSuccess = "success"

var (
	ErrImageDecode = errors.New("decoded image is empty or unsupported format")
	ErrInference   = errors.New("inference failed")
)

type Detection struct {
	BBox       []float32 `json:"bbox"`
	Confidence float32   `json:"confidence"`
	ClassName  string    `json:"class_name"`
}

type PredictResponse struct {
	Status      string      `json:"status"`
	Detections  []Detection `json:"detections"`
	ImageBase64 string      `json:"image_base64"`
}

// detector is what the handler needs from engine.Model.
type detector interface {
	Detect(ctx context.Context, img gocv.Mat) ([]iface.Detection, error)
	Names() iface.ClassNames
}

// BytesToMat 将上传的图片字节解码为 gocv.Mat
func BytesToMat(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.Mat{}, errors.Wrap(ErrImageDecode, "empty upload")
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, errors.Wrap(ErrImageDecode, err.Error())
	}
	if mat.Empty() {
		// IMDecode 返回空 Mat 表示解码失败
		_ = mat.Close()
		return gocv.Mat{}, ErrImageDecode
	}
	return mat, nil
}

// MatToJPEGBase64 re-encodes img as JPEG and returns it base64 encoded.
func MatToJPEGBase64(img gocv.Mat) (string, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return "", errors.Wrap(err, "encode jpeg")
	}
	defer buf.Close()
	return base64.StdEncoding.EncodeToString(buf.GetBytes()), nil
}

// predict runs decode -> infer -> format for one uploaded file. The returned
// duration is the time spent in the model.
func predict(ctx context.Context, model detector, data []byte) (*PredictResponse, time.Duration, error) {
	img, err := BytesToMat(data)
	if err != nil {
		return nil, 0, err
	}
	defer img.Close()

	start := time.Now()
	dets, err := model.Detect(ctx, img)
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, errors.Wrap(ErrInference, err.Error())
	}

	names := model.Names()
	detections := make([]Detection, 0, len(dets))
	for _, d := range dets {
		detections = append(detections, Detection{
			BBox:       []float32{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
			Confidence: min(max(d.Confidence, 0), 1),
			ClassName:  names.Lookup(d.ClassIndex),
		})
	}

	imgStr, err := MatToJPEGBase64(img)
	if err != nil {
		return nil, elapsed, err
	}
	return &PredictResponse{
		Status:      StatusSuccess,
		Detections:  detections,
		ImageBase64: imgStr,
	}, elapsed, nil
}

func abortWith(c *gin.Context, status int, err error) {
	outcome := monitor.OutcomeServerError
	if status < http.StatusInternalServerError {
		outcome = monitor.OutcomeBadRequest
	}
	monitor.ObservePredict(outcome, 0, 0)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func predictHandler(model detector, maxUploadBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
		file, err := c.FormFile("file")
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			abortWith(c, status, errors.Wrap(err, "File upload failed"))
			return
		}
		f, err := file.Open()
		if err != nil {
			abortWith(c, http.StatusBadRequest, errors.Wrap(err, "open upload"))
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			abortWith(c, http.StatusBadRequest, errors.Wrap(err, "read upload"))
			return
		}

		resp, elapsed, err := predict(c.Request.Context(), model, data)
		switch {
		case err == nil:
		case errors.Is(err, ErrImageDecode):
			abortWith(c, http.StatusBadRequest, err)
			return
		default:
			abortWith(c, http.StatusInternalServerError, err)
			return
		}
		monitor.ObservePredict(monitor.OutcomeSuccess, elapsed, len(resp.Detections))
		logger.Log().Debug("predict done",
			zap.String("requestID", logger.GetRequestID(c)),
			zap.String("file", file.Filename),
			zap.Int("detections", len(resp.Detections)),
			zap.Duration("inference", elapsed))
		c.JSON(http.StatusOK, resp)
	}
}

func newRouter(model detector, config configStruct) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.MaxMultipartMemory = config.MaxUploadMB << 20
	r.Use(logger.RequestID(), logger.GinLogger(), gin.Recovery())
	// 带结尾斜杠；/predict 由 gin 重定向过来
	r.POST("/predict/", predictHandler(model, config.MaxUploadMB<<20))
	return r
}
