package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadConfigFiles returns the contents of every config file found at path, in the order Load merges them.
func ReadConfigFiles(path string) ([]string, error) {
	files, err := findConfigFiles(path)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(files))
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		out = append(out, string(b))
	}

	return out, nil
}

// findConfigFiles resolves path into the sorted list of absolute config file paths. A file named directly is used
// whatever its extension, inside a directory tree only .yaml and .yml files count. Hidden files and editor
// backups are skipped.
func findConfigFiles(path string) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var files []string
	if !i.IsDir() {
		ap, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{ap}, nil
	}

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("problem while reading directory %s: %w", p, err)
		}

		name := d.Name()
		if p != path && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !isConfigFile(name) {
			return nil
		}

		ap, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files = append(files, ap)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	sort.Strings(files)
	return files, nil
}

func isConfigFile(name string) bool {
	if strings.HasSuffix(name, "~") {
		return false
	}

	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
