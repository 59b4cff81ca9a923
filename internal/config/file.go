package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the local, operator-supplied half of config: init/recv timeouts,
// data-saving mode, DSP toggles, and log/stats paths, loaded once at
// startup from a YAML file with environment-variable overrides, grounded
// on doismellburning-samoyed/src/deviceid.go's yaml.v3 use for static
// config data and snapetech-plexTuner/internal/config's env-override
// pattern (env beats file, both beat the built-in default).
type File struct {
	InitTimeout float64 `yaml:"init_timeout"`
	RecvTimeout float64 `yaml:"recv_timeout"`
	DataSaving  string  `yaml:"data_saving"` // never|mobile|always

	EnableAEC bool `yaml:"enable_aec"`
	EnableNS  bool `yaml:"enable_ns"`
	EnableAGC bool `yaml:"enable_agc"`

	LogFilePath   string `yaml:"log_file"`
	StatsDumpPath string `yaml:"stats_dump_file"`
}

func defaultFile() File {
	return File{
		InitTimeout: 30,
		RecvTimeout: 10,
		DataSaving:  "never",
		EnableAEC:   true,
		EnableNS:    true,
		EnableAGC:   true,
	}
}

// LoadFile reads a YAML config file, falling back to built-in defaults for
// any field it doesn't set; path may be empty, which uses defaults and
// environment overrides only. A missing file is not an error.
func LoadFile(path string) (File, error) {
	f := defaultFile()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return f, err
			}
		} else if err := yaml.Unmarshal(data, &f); err != nil {
			return f, err
		}
	}
	applyEnvOverrides(&f)
	return f, nil
}

// applyEnvOverrides lets CALLENGINE_* environment variables win over the
// file, the same precedence snapetech-plexTuner's config.Load() gives
// PLEX_TUNER_* env vars over its defaults.
func applyEnvOverrides(f *File) {
	if v := os.Getenv("CALLENGINE_INIT_TIMEOUT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			f.InitTimeout = n
		}
	}
	if v := os.Getenv("CALLENGINE_RECV_TIMEOUT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			f.RecvTimeout = n
		}
	}
	if v := os.Getenv("CALLENGINE_DATA_SAVING"); v != "" {
		f.DataSaving = strings.ToLower(v)
	}
	if v := os.Getenv("CALLENGINE_LOG_FILE"); v != "" {
		f.LogFilePath = v
	}
	if v := os.Getenv("CALLENGINE_STATS_DUMP_FILE"); v != "" {
		f.StatsDumpPath = v
	}
}
