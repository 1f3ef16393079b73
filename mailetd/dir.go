package mailetd

import (
	"path/filepath"
)

// ConfigDirPath returns the path to "f". Either f itself when absolute, or
// interpreted relative to the directory of the current config file.
func ConfigDirPath(f string) string {
	return configDirPath(ConfigStaticPath, f)
}

// DataDirPath returns to the path to "f". Either f itself when absolute, or
// interpreted relative to the data directory from the active configuration.
// The data directory itself is already made relative to the config file when
// loading.
func DataDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(Conf.DataDir, f)
}

func configDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(configFile), f)
}
