package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const installPathKey = "install_path"

// Settings are the user-editable values persisted next to the config.
// Unknown keys already present in the file are preserved on save.
type Settings struct {
	InstallPath string `json:"install_path,omitempty" mapstructure:"install_path"`
}

func readSettings(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		var nf viper.ConfigFileNotFoundError
		if errors.As(err, &nf) {
			return v, nil
		}
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return v, nil
}

// LoadSettings reads the settings file; a missing file yields zero Settings.
func LoadSettings(path string) (Settings, error) {
	v, err := readSettings(path)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings %s: %w", path, err)
	}
	s.InstallPath = strings.TrimSpace(s.InstallPath)
	return s, nil
}

// SaveSettings writes s to path. An empty InstallPath removes the key.
func SaveSettings(path string, s Settings) error {
	prev, err := readSettings(path)
	if err != nil {
		return err
	}
	next := viper.New()
	next.SetConfigType("json")
	for _, k := range prev.AllKeys() {
		if k == installPathKey {
			continue
		}
		next.Set(k, prev.Get(k))
	}
	if p := strings.TrimSpace(s.InstallPath); p != "" {
		next.Set(installPathKey, p)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := next.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write settings %s: %w", path, err)
	}
	return nil
}
