package parser

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mizuchilabs/sqlport/pkg/schema"
)

var baseFS fs.FS

// SetBaseFS sets the base filesystem for reading schema files.
// Use an embed.FS to read from embedded files.
// Pass nil to revert to the OS filesystem.
func SetBaseFS(fsys fs.FS) {
	baseFS = fsys
}

func BaseFS() fs.FS {
	return baseFS
}

// ReadDir reads the .sql object files of one schema directory in lexical file
// name order. Subdirectories and hidden files are ignored.
func ReadDir(dir string) ([]schema.ObjectFile, error) {
	var (
		names []string
		err   error
	)
	if baseFS != nil {
		names, err = fromFS(baseFS, dir)
	} else {
		names, err = fromDir(dir)
	}
	if err != nil {
		return nil, err
	}

	files := make([]schema.ObjectFile, 0, len(names))
	for _, name := range names {
		var (
			full    string
			content []byte
		)
		if baseFS != nil {
			full = path.Join(dir, name)
			content, err = fs.ReadFile(baseFS, full)
		} else {
			full = filepath.Clean(filepath.Join(dir, name))
			content, err = os.ReadFile(full)
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", full, err)
		}
		files = append(files, schema.NewObjectFile(full, string(content)))
	}
	return files, nil
}

func isObjectFile(d fs.DirEntry) bool {
	name := d.Name()
	return !d.IsDir() && !strings.HasPrefix(name, ".") && strings.EqualFold(path.Ext(name), ".sql")
}

// fromDir lists object files in a directory
func fromDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	return objectNames(entries), nil
}

// fromFS lists object files in a directory of an fs.FS
func fromFS(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	return objectNames(entries), nil
}

func objectNames(entries []fs.DirEntry) []string {
	var names []string
	for _, e := range entries {
		if isObjectFile(e) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names
}
