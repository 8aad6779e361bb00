package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/splax/releasectl/internal/domain"
)

// LoadMigrations registers every migration defined in *.yaml / *.yml files
// under dir. A file holds either one migration or a list of them. Files are
// read in lexical order so registration order is stable.
func (e *Engine) LoadMigrations(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		defs, err := decodeFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, err
		}
		for _, def := range defs {
			if err := e.AddMigration(def); err != nil {
				return loaded, fmt.Errorf("%s: %w", name, err)
			}
			loaded++
		}
	}
	return loaded, nil
}

func decodeFile(path string) ([]domain.Migration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind == yaml.SequenceNode {
		var defs []domain.Migration
		if err := root.Decode(&defs); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return defs, nil
	}
	var def domain.Migration
	if err := root.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return []domain.Migration{def}, nil
}
