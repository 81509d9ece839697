package executor

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/gluk-w/fleetexec/internal/sshfiles"
	"github.com/gluk-w/fleetexec/internal/sshpool"
)

// ListDirectory lists a remote directory.
func (m *Manager) ListDirectory(ctx context.Context, d sshpool.HostDescriptor, dir string) ([]sshfiles.FileEntry, error) {
	var entries []sshfiles.FileEntry
	err := m.withConn(ctx, d, func(c *sshpool.Conn) error {
		var err error
		entries, err = sshfiles.ListDirectory(ctx, c, dir, m.timeout(0))
		return err
	})
	return entries, err
}

// ReadFile returns the contents of a remote file.
func (m *Manager) ReadFile(ctx context.Context, d sshpool.HostDescriptor, file string) ([]byte, error) {
	var data []byte
	err := m.withConn(ctx, d, func(c *sshpool.Conn) error {
		var err error
		data, err = sshfiles.ReadFile(ctx, c, file, m.timeout(0))
		return err
	})
	return data, err
}

// WriteFile creates the parent directory, writes data, and applies mode when
// it is non-zero, all over one borrowed connection.
func (m *Manager) WriteFile(ctx context.Context, d sshpool.HostDescriptor, file string, data []byte, mode os.FileMode) error {
	return m.withConn(ctx, d, func(c *sshpool.Conn) error {
		if dir := path.Dir(file); dir != "." && dir != "/" {
			if err := sshfiles.CreateDirectory(ctx, c, dir, m.timeout(0)); err != nil {
				return err
			}
		}
		if err := sshfiles.WriteFile(ctx, c, file, data, m.timeout(0)); err != nil {
			return err
		}
		if mode != 0 {
			return sshfiles.Chmod(ctx, c, file, mode, m.timeout(0))
		}
		return nil
	})
}

// CreateDirectory creates a remote directory and its parents.
func (m *Manager) CreateDirectory(ctx context.Context, d sshpool.HostDescriptor, dir string) error {
	if dir == "" {
		return fmt.Errorf("create directory: empty path")
	}
	return m.withConn(ctx, d, func(c *sshpool.Conn) error {
		return sshfiles.CreateDirectory(ctx, c, dir, m.timeout(0))
	})
}
