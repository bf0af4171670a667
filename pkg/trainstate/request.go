package trainstate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/randalmurphal/trainstate/pkg/trainstate/config"
)

// Keys of the two original_request shapes.
const (
	RequestConfig     = "config"
	RequestConfigPath = "config_path"
)

// ResolveOriginalRequest turns a resumed run's original_request into its
// configuration. Two shapes are accepted:
//
//   - "config": an inline mapping, or inline YAML or JSON text
//   - "config_path": a path to a YAML or JSON file
//
// An inline config wins when both are present. A config_path that no longer
// exists returns ErrConfigPathMissing. A request with neither key returns
// ErrNoOriginalConfig.
func ResolveOriginalRequest(req map[string]any) (config.Config, error) {
	if v, ok := req[RequestConfig]; ok && v != nil {
		if m, ok := config.AsMap(v); ok {
			return config.New(m), nil
		}
		text, ok := v.(string)
		if !ok {
			return config.Config{}, fmt.Errorf("original request config has unsupported type %T", v)
		}
		cfg, err := config.FromText(text)
		if err != nil {
			return config.Config{}, fmt.Errorf("parse inline config: %w", err)
		}
		return cfg, nil
	}

	if v, ok := req[RequestConfigPath]; ok && v != nil {
		path, ok := v.(string)
		if !ok || path == "" {
			return config.Config{}, fmt.Errorf("original request config_path is not a path: %v", v)
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return config.Config{}, fmt.Errorf("%w: %s", ErrConfigPathMissing, path)
			}
			return config.Config{}, fmt.Errorf("stat config path: %w", err)
		}
		return config.FromFile(path)
	}

	return config.Config{}, ErrNoOriginalConfig
}
