package main

import (
	adhoc "YoloDetServer/Adhoc"
	"YoloDetServer/engine"
	rpc "YoloDetServer/gRPC"
	"YoloDetServer/logger"
	"YoloDetServer/monitor"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config file")
	flag.Parse()

	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Println("Failed to read config file:", err)
		os.Exit(1)
	}
	if err := logger.Init(config.LogMode); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	fmt.Println(" HTTP  Addr:", net.JoinHostPort(config.Host, strconv.Itoa(config.Port)))
	fmt.Println(" Model     :", config.ModelPath, "("+config.InferenceBackend+")")
	fmt.Println("Configured Workers Num:", config.WorkersNum)
	fmt.Println(strings.Repeat("#", 64))
	for _, w := range config.normalize() {
		logger.S().Warnw(w, "config", *configPath)
	}

	model, err := engine.Load(config.engineOptions())
	if err != nil {
		logger.Log().Fatal("failed to load model", zap.String("model", config.ModelPath), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	var health *rpc.HealthServer
	if config.RPCPort > 0 {
		health, err = rpc.StartGRPCServer(config.RPCPort)
		if err != nil {
			logger.Log().Fatal("failed to start gRPC health server", zap.Error(err))
		}
		health.SetServing(true)
	}

	if config.MonitorPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.StartMon(config.MonitorPort, ctx)
		}()
	}

	if config.UseRegServer {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			logger.Log().Error("failed to get outbound IP, skipping registration", zap.Error(err))
		} else {
			adhoc.RegServerCfg.SetAddress(config.RegServerHost, config.RegServerPort)
			engineCfg := model.Config()
			classes, _ := engineCfg.Names.Data.([]string)
			wg.Add(1)
			go adhoc.SendAliveMessage(adhoc.Instance{
				IP:      ip,
				Port:    config.Port,
				Backend: engineCfg.Backend,
				Model:   engineCfg.ModelPath,
				Classes: classes,
			}, ctx, &wg)
		}
	} else {
		fmt.Println("UseRegServer is set to false, skipping registration")
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		Handler: newRouter(model, config),
	}
	go func() {
		logger.Log().Info("predict server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Log().Warn("shutting down")
	if health != nil {
		health.SetServing(false)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("HTTP server shutdown", zap.Error(err))
	}
	if health != nil {
		health.GracefulStop()
	}
	wg.Wait()
	if err := model.Close(); err != nil {
		logger.Log().Error("failed to release model", zap.Error(err))
	}
	fmt.Println("Safely exited")
}
