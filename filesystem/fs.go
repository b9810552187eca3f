package filesystem

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotDirectory is returned by CheckDir when the target exists but is not a directory.
var ErrNotDirectory = errors.New("not a directory")

// ErrNotRegular is returned by Open for directories, devices and other non regular files.
var ErrNotRegular = errors.New("not a regular file")

// FS is the read-only view of the host file system used by FTP sessions.
// All names are absolute host paths; sessions resolve them with Resolve first.
type FS interface {
	// CheckDir returns the cleaned directory name or an error when it is not a directory
	CheckDir(dirName string) (string, error)
	// Open opens a regular file for reading
	Open(fileName string) (io.ReadCloser, fs.FileInfo, error)
	// Dir returns one ls style line per entry of a directory, or a single line for a file
	Dir(name string) ([]string, []fs.FileInfo, error)
}

// Ensure that LocalFS implements the FS interface
var _ FS = &LocalFS{}

// LocalFS serves the host file system without any root confinement.
type LocalFS struct {
	// now is used to pick between the "HH:MM" and the "YYYY" listing columns
	now func() time.Time
}

func NewLocalFS() *LocalFS {
	return &LocalFS{now: time.Now}
}

// Resolve joins name onto the working directory wd.
// An absolute name replaces wd. The result is always cleaned; symbolic links are not followed.
func Resolve(wd, name string) string {
	if name == "" {
		return filepath.Clean(wd)
	}
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(wd, name)
}

// CheckDir checks if the given directory exists
func (l *LocalFS) CheckDir(dirName string) (string, error) {
	dirName = filepath.Clean(dirName)
	info, err := os.Stat(dirName)
	if err != nil {
		return "", fmt.Errorf("error checking directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("error checking directory %s: %w", dirName, ErrNotDirectory)
	}
	return dirName, nil
}

// Open opens the file for a download. The caller must close it.
func (l *LocalFS) Open(fileName string) (io.ReadCloser, fs.FileInfo, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("error getting file info: %w", err)
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, nil, fmt.Errorf("error opening file %s: %w", fileName, ErrNotRegular)
	}
	return file, info, nil
}

// Dir returns a list of files in the given directory
func (l *LocalFS) Dir(name string) ([]string, []fs.FileInfo, error) {
	name = filepath.Clean(name)
	info, err := os.Lstat(name)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading directory: %w", err)
	}
	now := l.now()
	if !info.IsDir() {
		return []string{l.line(name, info, now)}, []fs.FileInfo{info}, nil
	}

	entries, err := os.ReadDir(name)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading directory: %w", err)
	}

	lines := make([]string, 0, len(entries))
	fileList := make([]fs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		entryInfo, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		lines = append(lines, l.line(filepath.Join(name, entry.Name()), entryInfo, now))
		fileList = append(fileList, entryInfo)
	}
	return lines, fileList, nil
}

func (l *LocalFS) line(path string, info fs.FileInfo, now time.Time) string {
	nlink, uid, gid := ownership(path, info)
	name := info.Name()
	if info.Mode()&fs.ModeSymlink != 0 {
		if target, err := os.Readlink(path); err == nil {
			name += " -> " + target
		}
	}
	return FormatLine(info, nlink, fmt.Sprint(uid), fmt.Sprint(gid), name, now)
}

func defaultLinks(info fs.FileInfo) uint64 {
	if info.IsDir() {
		return 2
	}
	return 1
}

// FormatLine renders one entry in the "ls -l" layout most FTP clients parse:
//
//	-rw-r--r--   1 1000     1000          512 Oct 19 12:00 name
//
// Entries older than six months (or in the future) show the year instead of the time.
func FormatLine(info fs.FileInfo, nlink uint64, owner, group, name string, now time.Time) string {
	mod := info.ModTime()
	stamp := mod.Format("Jan _2 15:04")
	if mod.After(now) || now.Sub(mod) > 180*24*time.Hour {
		stamp = mod.Format("Jan _2  2006")
	}
	return fmt.Sprintf("%s %3d %-8s %-8s %12d %s %s",
		ModeString(info.Mode()), nlink, owner, group, info.Size(), stamp, name)
}

// ModeString returns the ten character type and permission column.
func ModeString(mode fs.FileMode) string {
	var b strings.Builder
	switch {
	case mode.IsDir():
		b.WriteByte('d')
	case mode&fs.ModeSymlink != 0:
		b.WriteByte('l')
	case mode&fs.ModeNamedPipe != 0:
		b.WriteByte('p')
	case mode&fs.ModeSocket != 0:
		b.WriteByte('s')
	case mode&fs.ModeCharDevice != 0:
		b.WriteByte('c')
	case mode&fs.ModeDevice != 0:
		b.WriteByte('b')
	default:
		b.WriteByte('-')
	}
	b.WriteString(mode.Perm().String()[1:])
	return b.String()
}
