package Adhoc

import (
	"YoloDetServer/logger"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

// Interval between two heartbeats.
var Interval = TimeOutSeconds * time.Second

type RegisterRequest struct {
	Id        string   `json:"id"`
	IP        string   `json:"ip"`
	Port      int      `json:"port"`
	Backend   string   `json:"backend"`
	Model     string   `json:"model"`
	Classes   []string `json:"classes"`
	TimeStamp int64    `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Instance describes this predict server to the registry.
type Instance struct {
	IP      string
	Port    int
	Backend string
	Model   string
	Classes []string
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg *RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

var RegServerCfg RegServerConfig

func GetOutboundIP() (string, error) {
	// 8.8.8.8 是 Google DNS，这里只是为了建立路由路径得到本地出口 IP
	// 实际并没有真正的物理连接，所以不需要联网也可以（只要有路由表）
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

// SendAliveMessage posts inst to the registry right away and then every
// Interval until ctx is cancelled. Registry errors are logged and skipped.
func SendAliveMessage(inst Instance, ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second) // 总超时
	url := RegServerCfg.URL()
	id := uuid.NewString()
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		var respBody RegisterResponse
		reqBody := RegisterRequest{
			Id:        id,
			IP:        inst.IP,
			Port:      inst.Port,
			Backend:   inst.Backend,
			Model:     inst.Model,
			Classes:   inst.Classes,
			TimeStamp: time.Now().Unix(),
		}
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(reqBody).     // 可以直接传 struct，resty 会 JSON 编码
			SetResult(&respBody). // 2xx 自动反序列化到 respBody
			Post(url)
		if err != nil {
			if ctx.Err() == nil {
				logger.Log().Error("register request error", zap.String("url", url), zap.Error(err))
			}
			return
		}
		// 检查 HTTP 状态码
		if resp.IsError() {
			logger.Log().Error("registry returned error", zap.String("status", resp.Status()), zap.String("body", resp.String()))
			return
		}
		if !respBody.Success {
			logger.Log().Warn("registry rejected heartbeat", zap.String("id", id))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
