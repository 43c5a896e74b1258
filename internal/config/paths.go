package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PathConfig holds the default locations of burai's state files.
type PathConfig struct {
	// DataDir holds the feature cache, ledger and ban store.
	DataDir string

	// LogDir holds the event journal and epoch log.
	LogDir string

	ONNXLibraryPath string
}

// DefaultPathConfig resolves default locations from BURAI_* overrides,
// then XDG variables, then per-OS conventions.
func DefaultPathConfig() *PathConfig {
	return &PathConfig{
		DataDir:         envOr("BURAI_DATA_DIR", filepath.Join(baseDir("XDG_DATA_HOME", false), "burai")),
		LogDir:          envOr("BURAI_LOG_DIR", filepath.Join(baseDir("XDG_CACHE_HOME", true), "burai", "logs")),
		ONNXLibraryPath: envOr("BURAI_ONNX_LIBRARY_PATH", locateONNXRuntime()),
	}
}

// Data joins name onto the data directory.
func (c *PathConfig) Data(name string) string {
	return filepath.Join(c.DataDir, name)
}

// Log joins name onto the log directory.
func (c *PathConfig) Log(name string) string {
	return filepath.Join(c.LogDir, name)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// baseDir returns the XDG directory named by xdgVar, or the conventional
// data (or cache) location under $HOME.
func baseDir(xdgVar string, cache bool) string {
	if v := os.Getenv(xdgVar); v != "" {
		return v
	}
	home := envOr("HOME", os.TempDir())
	if runtime.GOOS == "darwin" {
		if cache {
			return filepath.Join(home, "Library", "Caches")
		}
		return filepath.Join(home, "Library", "Application Support")
	}
	if cache {
		return filepath.Join(home, ".cache")
	}
	return filepath.Join(home, ".local", "share")
}

var onnxRuntimeCandidates = []string{
	"/usr/local/lib/libonnxruntime.so",
	"/usr/local/lib64/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	"/usr/lib/aarch64-linux-gnu/libonnxruntime.so",
	"/usr/lib64/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
}

// locateONNXRuntime returns the first installed ONNX Runtime library. The
// fallback is only consulted when model.backend is onnx.
func locateONNXRuntime() string {
	for _, p := range onnxRuntimeCandidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "/usr/lib/libonnxruntime.so"
}

// PathEnvVarsDoc is appended to --help output.
const PathEnvVarsDoc = `
Environment:
  BURAI_DATA_DIR           feature cache, ledger and ban store (default ~/.local/share/burai)
  BURAI_LOG_DIR            event journal and epoch log (default ~/.cache/burai/logs)
  BURAI_ONNX_LIBRARY_PATH  ONNX Runtime shared library (auto-detected)
  BURAI_<SECTION>_<KEY>    any configuration key, e.g. BURAI_DETECTOR_THRESHOLD=0.7
`
