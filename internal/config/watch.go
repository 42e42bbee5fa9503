package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch re-reads the config file whenever it is written and calls onChange
// with the reloaded configuration, or with the load error when the new file
// is invalid. A reload never touches a running session; callers apply it to
// the next one.
func Watch(onChange func(cfg *Config, err error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !isReloadEvent(e) {
			return
		}
		cfg, err := Load()
		onChange(cfg, err)
	})
	viper.WatchConfig()
}

// isReloadEvent reports whether e changes the config file's content.
// Editors that save by rename produce Create instead of Write.
func isReloadEvent(e fsnotify.Event) bool {
	return e.Has(fsnotify.Write) || e.Has(fsnotify.Create)
}
