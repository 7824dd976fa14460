// Package daemon tracks the background serve process through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile records which process currently owns the daemon.
type PIDFile struct {
	Path string
}

// NewPIDFile returns a PIDFile at the given path. Nothing is touched on
// disk until Write or Read.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the calling process as the daemon owner.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID records pid, creating the parent directory if needed.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded PID.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file %s: %w", p.Path, err)
	}
	return pid, nil
}

// Remove deletes the file. A file that is already gone is not an error, so
// cleanup paths can call this unconditionally.
func (p *PIDFile) Remove() error {
	err := os.Remove(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
