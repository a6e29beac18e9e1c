package main

import (
	"YoloDetServer/engine"
	iface "YoloDetServer/interface"
	"YoloDetServer/logger"
	"fmt"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type configStruct struct {
	Host             string   `yaml:"Host"`
	Port             int      `yaml:"Port"`
	ModelPath        string   `yaml:"modelPath"`
	InferenceBackend string   `yaml:"InferenceBackend"`
	SharedLibPath    string   `yaml:"sharedLibPath"`
	Names            []string `yaml:"names"`
	NamesFile        string   `yaml:"namesFile"`
	Conf             float32  `yaml:"conf"`
	Iou              float32  `yaml:"iou"`
	InputSize        int      `yaml:"inputSize"`
	MaxDetections    int      `yaml:"maxDetections"`
	WorkersNum       int      `yaml:"workersNum"`
	UseGPU           bool     `yaml:"useGPU"`
	Warmup           bool     `yaml:"warmup"`
	MaxUploadMB      int64    `yaml:"maxUploadMB"`
	LogMode          string   `yaml:"logMode"`
	MonitorPort      int      `yaml:"MonitorPort"`
	RPCPort          int      `yaml:"RPCPort"`
	UseRegServer     bool     `yaml:"UseRegServer"`
	RegServerPort    int      `yaml:"RegServerPort"`
	RegServerHost    string   `yaml:"RegServerHost"`
}

func defaultConfig() configStruct {
	return configStruct{
		Host:             "0.0.0.0",
		Port:             10000,
		ModelPath:        "customModel.onnx",
		InferenceBackend: engine.BackendOnnx,
		Conf:             engine.DefaultConf,
		Iou:              engine.DefaultIou,
		InputSize:        engine.DefaultInputSize,
		MaxDetections:    engine.DefaultMaxDetections,
		WorkersNum:       1,
		MaxUploadMB:      32,
		LogMode:          logger.ModeProduction,
	}
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (configStruct, error) {
	config := defaultConfig()
	configData, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return config, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return config, errors.Wrapf(err, "parse config %s", path)
	}
	return config, nil
}

// normalize fixes out-of-range values and returns one warning per fix.
func (c *configStruct) normalize() []string {
	var warnings []string
	d := defaultConfig()
	if c.WorkersNum <= 0 {
		c.WorkersNum = 1
		warnings = append(warnings, "Invalid workersNum in config, defaulting to 1")
	} else if c.WorkersNum > runtime.NumCPU() {
		warnings = append(warnings, "Please noted that workersNum exceeds CPU cores, which may lead to performance degradation.")
	}
	if c.Conf <= 0 || c.Conf > 1 {
		warnings = append(warnings, fmt.Sprintf("conf must be between 0.0 and 1.0, got %f, defaulting to %.2f", c.Conf, d.Conf))
		c.Conf = d.Conf
	}
	if c.Iou <= 0 || c.Iou > 1 {
		warnings = append(warnings, fmt.Sprintf("IoU must be between 0.0 and 1.0, got %f, defaulting to %.2f", c.Iou, d.Iou))
		c.Iou = d.Iou
	}
	if c.Port <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid Port %d, defaulting to %d", c.Port, d.Port))
		c.Port = d.Port
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = d.MaxUploadMB
	}
	if c.InferenceBackend == "" {
		c.InferenceBackend = d.InferenceBackend
	}
	return warnings
}

func (c *configStruct) engineOptions() engine.Options {
	names := iface.NamesConf{}
	if c.NamesFile != "" {
		names = iface.NamesConf{IsFile: true, Data: c.NamesFile}
	} else if len(c.Names) > 0 {
		names = iface.NamesConf{IsFile: false, Data: c.Names}
	}
	return engine.Options{
		Backend:       c.InferenceBackend,
		ModelPath:     c.ModelPath,
		SharedLibPath: c.SharedLibPath,
		Names:         names,
		Conf:          c.Conf,
		Iou:           c.Iou,
		InputSize:     c.InputSize,
		MaxDetections: c.MaxDetections,
		Workers:       c.WorkersNum,
		UseGPU:        c.UseGPU,
		Warmup:        c.Warmup,
	}
}
