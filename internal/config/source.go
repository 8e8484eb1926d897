package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ConfigSource describes where file-backed values came from. Environment
// variables always win over the file.
type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

type runtimeValues struct {
	once   sync.Once
	err    error
	values map[string]string
	source ConfigSource
}

var runtime runtimeValues

func CurrentConfigSource() (ConfigSource, error) {
	if err := runtime.load(); err != nil {
		return ConfigSource{}, err
	}
	return runtime.source, nil
}

// load reads config/config-<CONFIG_PHASE>.yaml, or CONFIG_FILE when set,
// and flattens nested keys into upper snake case: {api_server: {listen_addr}}
// becomes API_SERVER_LISTEN_ADDR. A missing default file is not an error.
func (r *runtimeValues) load() error {
	r.once.Do(func() {
		r.values = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		r.source.Phase = phase

		path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicit := path != ""
		if !explicit {
			path = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicit {
				return
			}
			r.err = fmt.Errorf("read config file %q: %w", path, err)
			return
		}
		values, err := parseYAMLConfig(body)
		if err != nil {
			r.err = fmt.Errorf("config file %q: %w", path, err)
			return
		}

		r.values = values
		r.source.Loaded = true
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		r.source.Path = path
	})
	return r.err
}

func parseYAMLConfig(body []byte) (map[string]string, error) {
	raw := make(map[string]any)
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flatten(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flatten(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			if segment := normalizeKeySegment(key); segment != "" {
				if err := flatten(prefix+"_"+segment, child, out); err != nil {
					return err
				}
			}
		}
	case map[any]any:
		for key, child := range typed {
			text, ok := key.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", key, prefix)
			}
			if segment := normalizeKeySegment(text); segment != "" {
				if err := flatten(prefix+"_"+segment, child, out); err != nil {
					return err
				}
			}
		}
	case []any:
		// Lists become comma separated, matching the *_BROKERS and
		// *_ALLOWED_ORIGINS env format.
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if s := strings.TrimSpace(scalar); s != "" {
					parts = append(parts, s)
				}
			case bool, int, int64, uint64, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
	default:
		out[prefix] = fmt.Sprint(typed)
	}
	return nil
}

func normalizeKeySegment(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	underscore := false
	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	if err := runtime.load(); err != nil {
		return ""
	}
	return strings.TrimSpace(runtime.values[key])
}
