package comm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dosgo/xkernel/param"
	"gopkg.in/yaml.v3"
)

// ReadConf loads the app config at configFile. Missing keys keep their
// defaults; a missing file is created with the defaults. The bool reports
// whether the file existed.
func ReadConf(configFile string) (param.AppConfig, bool, error) {
	conf := param.DefaultAppConfig(filepath.Dir(configFile))
	data, err := os.ReadFile(configFile)
	if err == nil {
		if err := yaml.Unmarshal(data, &conf); err != nil {
			return conf, true, fmt.Errorf("parse %s: %w", configFile, err)
		}
		return conf, true, nil
	}
	if !os.IsNotExist(err) {
		return conf, false, err
	}
	out, err := yaml.Marshal(&conf)
	if err != nil {
		return conf, false, err
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return conf, false, err
	}
	if err := os.WriteFile(configFile, out, 0644); err != nil {
		return conf, false, err
	}
	return conf, false, nil
}

func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
