package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

func detArch(system, arch string) (string, error) {
	switch arch {
	case "amd64":
		return fmt.Sprintf("%s-%s", system, "x64"), nil
	case "arm64":
		return fmt.Sprintf("%s-%s", system, "arm64"), nil
	default:
		return "", errors.Errorf("architecture %s not supported", arch)
	}
}

func getPlatform(system, arch string) (string, error) {
	switch system {
	case "windows", "linux", "darwin":
		return detArch(system, arch)
	default:
		return "", errors.Errorf("operating system %s not supported", system)
	}
}

// defaultLibName 返回当前平台 onnxruntime 动态库的默认文件名
func defaultLibName(system, arch string) (string, error) {
	platform, err := getPlatform(system, arch)
	if err != nil {
		return "", err
	}
	switch platform {
	case "windows-x64", "windows-arm64":
		return "onnxruntime.dll", nil
	case "darwin-arm64":
		return "onnxruntime_arm64.dylib", nil
	case "darwin-x64":
		return "onnxruntime.dylib", nil
	case "linux-arm64":
		return "onnxruntime_arm64.so", nil
	default:
		return "onnxruntime.so", nil
	}
}

// FindSharedLibrary locates the onnxruntime library. An explicit path is used
// as-is when it exists; otherwise the default name for this platform is
// searched in:
// - the directory containing the executable
// - the current working directory
// - "third_party" and "src" under both
// - ascending parent directories (up to a limit)
func FindSharedLibrary(explicit string) (string, error) {
	if explicit != "" {
		if fileExists(explicit) {
			return explicit, nil
		}
		return "", errors.Errorf("onnxruntime library %q does not exist", explicit)
	}
	name, err := defaultLibName(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}
	var roots []string
	if exePath, err := os.Executable(); err == nil {
		roots = append(roots, filepath.Dir(exePath))
	}
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	return searchLocations(name, roots)
}

func searchLocations(name string, roots []string) (string, error) {
	var tried []string
	checked := make(map[string]bool)
	try := func(dir string) (string, bool) {
		if dir == "" || checked[dir] {
			return "", false
		}
		checked[dir] = true
		tried = append(tried, dir)
		for _, sub := range []string{"", "third_party", "src"} {
			if p := filepath.Join(dir, sub, name); fileExists(p) {
				return p, true
			}
		}
		return "", false
	}

	for _, root := range roots {
		if p, ok := try(root); ok {
			return p, nil
		}
	}
	// 逐级向上查找父目录
	for _, root := range roots {
		cur := root
		for i := 0; i < 10; i++ {
			parent := filepath.Dir(cur)
			if parent == cur {
				break
			}
			cur = parent
			if p, ok := try(cur); ok {
				return p, nil
			}
		}
	}
	return "", errors.Errorf("%s not found, tried:\n  - %s", name, strings.Join(tried, "\n  - "))
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
