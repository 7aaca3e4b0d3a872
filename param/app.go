package param

import (
	"path/filepath"
	"runtime"
	"time"
)

// AppConfig is the bootstrap configuration of the supervisor process itself.
type AppConfig struct {
	KernelPath    string        `yaml:"kernel_path"`
	WorkDir       string        `yaml:"work_dir"`
	ConfigName    string        `yaml:"config_name"`
	SettingsDB    string        `yaml:"settings_db"`
	APIListen     string        `yaml:"api_listen"`
	APIToken      string        `yaml:"api_token"`
	LogLevel      string        `yaml:"log_level"`
	LogJSON       bool          `yaml:"log_json"`
	GuardInterval time.Duration `yaml:"guard_interval"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
}

func KernelExecutable() string {
	if runtime.GOOS == "windows" {
		return "sing-box.exe"
	}
	return "sing-box"
}

func DefaultAppConfig(baseDir string) AppConfig {
	return AppConfig{
		KernelPath:    filepath.Join(baseDir, "bin", KernelExecutable()),
		WorkDir:       filepath.Join(baseDir, "kernel"),
		ConfigName:    "config.json",
		SettingsDB:    filepath.Join(baseDir, "settings.db"),
		APIListen:     "127.0.0.1:6001",
		LogLevel:      "info",
		GuardInterval: 8 * time.Second,
		StopTimeout:   6 * time.Second,
	}
}

func (a AppConfig) ConfigPath() string {
	return filepath.Join(a.WorkDir, a.ConfigName)
}

func (a AppConfig) KernelLog() string {
	return filepath.Join(a.WorkDir, "kernel.log")
}
