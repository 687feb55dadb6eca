package settings

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// WatchFile seeds store from a properties file (any format viper reads) and
// keeps applying edits. Keys removed from the file are deleted from the store.
func WatchFile(ctx context.Context, path string, store *Store, logger zerolog.Logger) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read properties file %s: %w", path, err)
	}

	var mu sync.Mutex
	current := flatten(v)
	for name, value := range current {
		if err := store.Set(ctx, name, value); err != nil {
			return err
		}
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		next := flatten(v)
		for name, value := range next {
			if old, ok := current[name]; ok && old == value {
				continue
			}
			if err := store.Set(ctx, name, value); err != nil {
				logger.Error().Err(err).Str("property", name).Msg("apply property from file")
			}
		}
		for name := range current {
			if _, ok := next[name]; ok {
				continue
			}
			if err := store.Delete(ctx, name); err != nil {
				logger.Error().Err(err).Str("property", name).Msg("delete property removed from file")
			}
		}
		current = next
		logger.Info().Str("file", e.Name).Msg("properties file reloaded")
	})
	v.WatchConfig()
	return nil
}

func flatten(v *viper.Viper) map[string]string {
	out := make(map[string]string)
	for _, key := range v.AllKeys() {
		out[key] = v.GetString(key)
	}
	return out
}
