package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"peershare/internal/apperr"
	"peershare/internal/fileindex"
	"peershare/pkg/types"
)

// Folders is the shared-folder registry.
type Folders struct{ DB *sql.DB }

func NewFolders(db *sql.DB) *Folders { return &Folders{DB: db} }

func (f *Folders) List(ctx context.Context) ([]types.SharedFolder, error) {
	rows, err := f.DB.QueryContext(ctx, `SELECT id, path, alias, enabled FROM shared_folders ORDER BY alias, path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.SharedFolder
	for rows.Next() {
		var sf types.SharedFolder
		var enabled int
		if err := rows.Scan(&sf.ID, &sf.Path, &sf.Alias, &enabled); err != nil {
			return nil, err
		}
		sf.Enabled = enabled != 0
		out = append(out, sf)
	}
	return out, rows.Err()
}

func (f *Folders) Enabled(ctx context.Context) ([]types.SharedFolder, error) {
	all, err := f.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sf := range all {
		if sf.Enabled {
			out = append(out, sf)
		}
	}
	return out, nil
}

// Get returns the folder with id; disabled folders are reported as not found.
func (f *Folders) Get(ctx context.Context, id string) (types.SharedFolder, error) {
	var sf types.SharedFolder
	var enabled int
	err := f.DB.QueryRowContext(ctx, `SELECT id, path, alias, enabled FROM shared_folders WHERE id=$1`, id).
		Scan(&sf.ID, &sf.Path, &sf.Alias, &enabled)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && enabled == 0) {
		return types.SharedFolder{}, fmt.Errorf("shared folder %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return types.SharedFolder{}, err
	}
	sf.Enabled = true
	return sf, nil
}

// Upsert stores sf, deriving the id from the absolute path when empty.
func (f *Folders) Upsert(ctx context.Context, sf types.SharedFolder) (types.SharedFolder, error) {
	abs, err := filepath.Abs(sf.Path)
	if err != nil {
		return sf, fmt.Errorf("folder path %q: %w", sf.Path, apperr.ErrInvalid)
	}
	sf.Path = abs
	if sf.ID == "" {
		sf.ID = fileindex.ContentID(abs)
	}
	if sf.Alias == "" {
		sf.Alias = filepath.Base(abs)
	}
	enabled := 0
	if sf.Enabled {
		enabled = 1
	}
	_, err = f.DB.ExecContext(ctx, `
INSERT INTO shared_folders (id, path, alias, enabled) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET path=excluded.path, alias=excluded.alias, enabled=excluded.enabled`,
		sf.ID, sf.Path, sf.Alias, enabled)
	return sf, err
}

type seedFile struct {
	Folders []struct {
		ID      string `yaml:"id"`
		Path    string `yaml:"path"`
		Alias   string `yaml:"alias"`
		Enabled *bool  `yaml:"enabled"`
	} `yaml:"folders"`
}

// Seed upserts every folder listed in a YAML file of the form
//
//	folders:
//	  - path: /srv/media/Movies
//	    alias: Movies
//
// A missing file is not an error.
func (f *Folders) Seed(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return 0, fmt.Errorf("parse %s: %w: %v", path, apperr.ErrInvalid, err)
	}
	n := 0
	for _, e := range sf.Folders {
		if e.Path == "" {
			continue
		}
		enabled := e.Enabled == nil || *e.Enabled
		saved, err := f.Upsert(ctx, types.SharedFolder{ID: e.ID, Path: e.Path, Alias: e.Alias, Enabled: enabled})
		if err != nil {
			return n, err
		}
		if st, err := os.Stat(saved.Path); err != nil || !st.IsDir() {
			log.Printf("[files] shared folder %q (%s) is not a readable directory", saved.Alias, saved.Path)
		}
		n++
	}
	return n, nil
}
