package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// source looks keys up in the environment first, then in the flattened
// config file. File keys are the lower-cased variable names; nested tables
// join with '_' so {rag: {k_lexical: 20}} sets RAG_K_LEXICAL.
type source struct {
	file     map[string]string
	problems []error
}

func newSource(path string) (*source, error) {
	s := &source{file: map[string]string{}}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &doc)
	case ".toml":
		err = toml.Unmarshal(raw, &doc)
	default:
		return nil, fmt.Errorf("config file %s: unsupported extension", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	flatten("", doc, s.file)
	return s, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = fmt.Sprint(v)
	}
}

func (s *source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s *source) fail(key, value string, err error) {
	s.problems = append(s.problems, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (s *source) err() error {
	if len(s.problems) == 0 {
		return nil
	}
	return fmt.Errorf("parse configuration: %w", errors.Join(s.problems...))
}

func (s *source) mustEnv(key, fallback string) string {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s *source) mustEnvInt(key string, fallback int) int {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.fail(key, v, err)
		return fallback
	}
	return n
}

func (s *source) mustEnvFloat(key string, fallback float64) float64 {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.fail(key, v, err)
		return fallback
	}
	return f
}

func (s *source) mustEnvBool(key string, fallback bool) bool {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		s.fail(key, v, err)
		return fallback
	}
	return parsed
}

func (s *source) mustEnvDuration(key string, fallback time.Duration) time.Duration {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		s.fail(key, v, err)
		return fallback
	}
	return d
}

func loadPrompts(path string) (Prompts, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("read prompts file: %w", err)
	}
	var p Prompts
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Prompts{}, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	return p, nil
}
