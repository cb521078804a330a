package utilcfg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile parses a single utility config from a YAML file.
func LoadFile(path string) (*UtilityConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("utilcfg: read %s: %w", path, err)
	}
	var cfg UtilityConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("utilcfg: parse %s: %w", path, err)
	}
	if cfg.UtilityCode == "" {
		return nil, fmt.Errorf("utilcfg: %s: utility_code is required", path)
	}
	return &cfg, nil
}

// SeedDir loads every *.yaml / *.yml file in dir and upserts it into the
// store. Called at daemon startup so deployments ship utility configs as
// plain files.
func SeedDir(ctx context.Context, s *Store, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("utilcfg: read dir %s: %w", dir, err)
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		cfg, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, err
		}
		if err := s.Save(ctx, cfg); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
