// Package artifact locates compiled program binaries on the local filesystem.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no search directory contains the requested program.
var ErrNotFound = errors.New("program artifact not found")

// Loader searches a list of directories, in order, for `<name>.so` files.
type Loader struct {
	directories []string
}

func NewLoader(directories ...string) *Loader {
	return &Loader{
		directories: directories,
	}
}

func (l *Loader) Directories() []string {
	return l.directories
}

// Path returns the path of the first `<name>.so` found in the search directories.
func (l *Loader) Path(programName string) (string, error) {
	fileName := programName + ".so"
	for _, dir := range l.directories {
		candidate := filepath.Join(dir, fileName)
		info, err := os.Stat(candidate)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("error checking %q: %w", candidate, err)
		}
		if info.IsDir() {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %s (searched %s)", ErrNotFound, fileName, strings.Join(l.directories, ", "))
}

// Load returns the raw bytes of the program's compiled binary.
func (l *Loader) Load(programName string) ([]byte, error) {
	path, err := l.Path(programName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read program %q: %w", path, err)
	}
	return data, nil
}
