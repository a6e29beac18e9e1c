package engine

import (
	iface "YoloDetServer/interface"
	"os"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	BackendOnnx   = "onnxruntime"
	BackendOpenCV = "opencv"
)

const (
	DefaultConf          = float32(0.25)
	DefaultIou           = float32(0.7)
	DefaultInputSize     = 640
	DefaultMaxDetections = 300
	// letterbox 填充灰度，与 Ultralytics 导出模型训练时一致
	padValue = 114
)

var (
	ErrModelNotFound      = errors.New("model file not found")
	ErrUnsupportedBackend = errors.New("unsupported inference backend")
	ErrBadOutputShape     = errors.New("unexpected model output shape")
	ErrNoInstance         = errors.New("model has no backend instances")
)

func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// 支持 Windows CRLF，去掉尾部的 '\r'
	raw := strings.Split(string(b), "\n")
	var lines []string
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// namesFromConf builds a class table from an inline list or a labels file.
// An empty result means "use whatever the model carries".
func namesFromConf(names iface.NamesConf) (iface.ClassNames, error) {
	if names.Data == nil {
		return nil, nil
	}
	var list []string
	if names.IsFile {
		path, ok := names.Data.(string)
		if !ok {
			return nil, errors.Errorf("names file must be a path, got %T", names.Data)
		}
		if path == "" {
			return nil, nil
		}
		lines, err := ReadLinesReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read names file %s", path)
		}
		list = lines
	} else {
		rv := reflect.ValueOf(names.Data)
		if rv.Kind() != reflect.Slice {
			return nil, errors.Errorf("names must be a slice or a file path, got %T", names.Data)
		}
		n := rv.Len()
		list = make([]string, n)
		for i := 0; i < n; i++ {
			s, ok := rv.Index(i).Interface().(string)
			if !ok {
				return nil, errors.Errorf("names[%d] is not a string", i)
			}
			list[i] = s
		}
	}
	if len(list) == 0 {
		return nil, nil
	}
	table := make(iface.ClassNames, len(list))
	for i, name := range list {
		table[i] = name
	}
	return table, nil
}

// parseMetadataNames reads the "names" entry Ultralytics writes into exported
// ONNX models, e.g. {0: 'person', 1: 'bicycle'}. It is a YAML flow mapping.
func parseMetadataNames(raw string) (iface.ClassNames, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty names metadata")
	}
	var m map[int]string
	if err := yaml.Unmarshal([]byte(raw), &m); err == nil {
		return iface.ClassNames(m), nil
	}
	// 有些导出工具写成列表 ['a', 'b']
	var list []string
	if err := yaml.Unmarshal([]byte(raw), &list); err != nil {
		return nil, errors.Wrap(err, "parse names metadata")
	}
	table := make(iface.ClassNames, len(list))
	for i, name := range list {
		table[i] = name
	}
	return table, nil
}
