package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir ensures a directory exists.
func EnsureDir(p string) error {
	e, err := exists(p)
	if err != nil {
		return err
	}
	if !e {
		return os.MkdirAll(p, 0775)
	}
	return nil
}

// EnsurePath ensures the directory of the given file path exists.
func EnsurePath(p string) error {
	dir := filepath.Dir(p)
	return EnsureDir(dir)
}

// exists returns whether the given file or directory exists or not.
func exists(p string) (bool, error) {
	_, err := os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %v", p, err)
}
