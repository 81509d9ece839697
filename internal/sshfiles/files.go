// Package sshfiles provides file operations on remote hosts over pooled SSH
// connections.
//
// Every operation is a shell command run through a Runner (normally a
// *sshpool.Conn): "ls -la" for listings, "cat" for reads, "cat > path" with the
// data streamed on stdin for writes, "mkdir -p" for directories and "chmod"
// for permissions. Paths are single-quoted so they cannot inject shell syntax,
// and follow "--" so a leading dash is never read as an option.
package sshfiles

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gluk-w/fleetexec/internal/sshpool"
)

// slowThreshold is the duration above which a file command is logged as slow.
const slowThreshold = 500 * time.Millisecond

// Runner executes a shell command on one host.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (*sshpool.ExecutionResult, error)
	RunWithStdin(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) (*sshpool.ExecutionResult, error)
}

// FileEntry is one line of a directory listing.
type FileEntry struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Size        *string `json:"size"`
	Permissions string  `json:"permissions"`
}

func run(ctx context.Context, r Runner, op, cmd string, stdin []byte, timeout time.Duration) (*sshpool.ExecutionResult, error) {
	var (
		res *sshpool.ExecutionResult
		err error
	)
	if stdin != nil {
		res, err = r.RunWithStdin(ctx, cmd, bytes.NewReader(stdin), timeout)
	} else {
		res, err = r.Run(ctx, cmd, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if res.Duration > slowThreshold {
		label := cmd
		if len(label) > 80 {
			label = label[:80] + "..."
		}
		log.Printf("[sshfiles] SLOW command (%s): %s", res.Duration, label)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return res, fmt.Errorf("%s: %s", op, msg)
	}
	return res, nil
}

// ListDirectory lists a remote directory. The "." and ".." entries are omitted.
func ListDirectory(ctx context.Context, r Runner, path string, timeout time.Duration) ([]FileEntry, error) {
	res, err := run(ctx, r, "list directory", "ls -la --color=never -- "+shellQuote(path), nil, timeout)
	if err != nil {
		return nil, err
	}
	return ParseLsOutput(res.Stdout), nil
}

// ReadFile returns the contents of a remote file.
func ReadFile(ctx context.Context, r Runner, path string, timeout time.Duration) ([]byte, error) {
	res, err := run(ctx, r, "read file", "cat -- "+shellQuote(path), nil, timeout)
	if err != nil {
		return nil, err
	}
	return res.StdoutBytes(), nil
}

// WriteFile creates or truncates a remote file and writes data to it through
// the command's stdin.
func WriteFile(ctx context.Context, r Runner, path string, data []byte, timeout time.Duration) error {
	if data == nil {
		data = []byte{}
	}
	_, err := run(ctx, r, "write file", "cat > "+shellQuote(path), data, timeout)
	if err == nil {
		log.Printf("[sshfiles] WriteFile %s (%d bytes)", path, len(data))
	}
	return err
}

// CreateDirectory creates a remote directory and any missing parents.
func CreateDirectory(ctx context.Context, r Runner, path string, timeout time.Duration) error {
	_, err := run(ctx, r, "create directory", "mkdir -p -- "+shellQuote(path), nil, timeout)
	return err
}

// Chmod sets the permission bits of a remote path.
func Chmod(ctx context.Context, r Runner, path string, mode os.FileMode, timeout time.Duration) error {
	_, err := run(ctx, r, "chmod", fmt.Sprintf("chmod %o -- %s", mode.Perm(), shellQuote(path)), nil, timeout)
	return err
}

// ParseLsOutput parses "ls -la" output into entries. Symlink targets are
// stripped from names; size is nil for directories.
func ParseLsOutput(output string) []FileEntry {
	var entries []FileEntry
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 || fields[0] == "total" {
			continue
		}
		perms := fields[0]
		name := strings.Join(fields[8:], " ")
		if name == "." || name == ".." {
			continue
		}

		entry := FileEntry{Name: name, Permissions: perms, Type: "file"}
		switch perms[0] {
		case 'd':
			entry.Type = "directory"
		case 'l':
			entry.Type = "symlink"
			if i := strings.Index(name, " -> "); i >= 0 {
				entry.Name = name[:i]
			}
		}
		if entry.Type != "directory" {
			size := fields[4]
			entry.Size = &size
		}
		entries = append(entries, entry)
	}
	return entries
}

// shellQuote wraps a string in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
