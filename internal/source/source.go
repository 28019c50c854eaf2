// Package source assembles the ordered migration list from disk.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"sqlmigrate/migrate"
)

// filePattern matches {version}_{name}.sql.
var filePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_-]+)\.sql$`)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// File is one numbered migration file in a directory.
type File struct {
	Version int64
	Name    string
	Path    string
}

// Scan lists the migration files in dir ordered by version. Files that do
// not end in .sql are ignored; .sql files with a malformed name and
// duplicate versions are errors.
func Scan(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("source: reading %s: %w", dir, err)
	}

	var files []File
	seen := make(map[int64]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := filePattern.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("source: %s does not match {version}_{name}.sql", e.Name())
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("source: %s: version: %w", e.Name(), err)
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("source: version %d used by both %s and %s", version, prev, e.Name())
		}
		seen[version] = e.Name()
		files = append(files, File{Version: version, Name: m[2], Path: filepath.Join(dir, e.Name())})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

// Dir loads the migrations in dir. Each file's content is the migration
// source, unmodified.
func Dir(dir string) ([]migrate.Migration, error) {
	files, err := Scan(dir)
	if err != nil {
		return nil, err
	}
	migrations := make([]migrate.Migration, 0, len(files))
	for _, f := range files {
		src, err := readSource(f.Path)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migrate.SQL(src))
	}
	return migrations, nil
}

func readSource(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("source: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", fmt.Errorf("source: %s is empty", path)
	}
	return string(b), nil
}

type manifest struct {
	Migrations []entry `toml:"migration" yaml:"migration"`
}

type entry struct {
	Source string `toml:"source" yaml:"source"`
	File   string `toml:"file" yaml:"file"`
	Params []any  `toml:"params" yaml:"params"`
}

// Manifest loads the migrations listed in a TOML or YAML manifest. Each entry
// carries either an inline source or a file path relative to the manifest,
// plus optional statement parameters.
func Manifest(path string) ([]migrate.Migration, error) {
	var mf manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
		if err := yaml.Unmarshal(b, &mf); err != nil {
			return nil, fmt.Errorf("source: parsing %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &mf); err != nil {
			return nil, fmt.Errorf("source: parsing %s: %w", path, err)
		}
	}

	base := filepath.Dir(path)
	migrations := make([]migrate.Migration, 0, len(mf.Migrations))
	for i, e := range mf.Migrations {
		switch {
		case e.Source != "" && e.File != "":
			return nil, fmt.Errorf("source: %s: migration %d sets both source and file", path, i)
		case e.Source != "":
			migrations = append(migrations, migrate.SQL(e.Source, e.Params...))
		case e.File != "":
			file := e.File
			if !filepath.IsAbs(file) {
				file = filepath.Join(base, file)
			}
			src, err := readSource(file)
			if err != nil {
				return nil, err
			}
			migrations = append(migrations, migrate.SQL(src, e.Params...))
		default:
			return nil, fmt.Errorf("source: %s: migration %d has neither source nor file", path, i)
		}
	}
	return migrations, nil
}

// Load reads migrations from manifest when set, otherwise from dir.
func Load(dir, manifest string) ([]migrate.Migration, error) {
	if manifest != "" {
		return Manifest(manifest)
	}
	return Dir(dir)
}

// NewFile creates an empty migration file named name in dir, numbered one
// past the highest existing version, and returns its path. Versions are
// zero-padded to the width already in use, at least three digits.
func NewFile(dir, name string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("source: invalid migration name %q (letters, digits, _ and - only)", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("source: creating %s: %w", dir, err)
	}
	files, err := Scan(dir)
	if err != nil {
		return "", err
	}

	var next int64 = 1
	width := 3
	if n := len(files); n > 0 {
		next = files[n-1].Version + 1
		base := filepath.Base(files[n-1].Path)
		width = max(width, strings.IndexByte(base, '_'))
	}

	path := filepath.Join(dir, fmt.Sprintf("%0*d_%s.sql", width, next, name))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("source: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "-- %s\n", strings.ReplaceAll(name, "_", " ")); err != nil {
		return "", fmt.Errorf("source: writing %s: %w", path, err)
	}
	return path, nil
}
