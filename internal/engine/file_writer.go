package engine

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// PartSuffix marks a file that is still being downloaded.
const PartSuffix = ".part"

var badChars = regexp.MustCompile(`[\\/:*?"<>|]`)

// FileWriter opens pre-allocated output files and keeps track of the open
// handles so they can all be closed on shutdown.
type FileWriter struct {
	mu      sync.Mutex
	handles map[string]*trackedFile
}

func NewFileWriter() *FileWriter {
	return &FileWriter{
		handles: make(map[string]*trackedFile),
	}
}

type trackedFile struct {
	*os.File
	fw   *FileWriter
	path string
}

// Close syncs and closes the file unless CloseAll got to it first.
func (f *trackedFile) Close() error {
	if !f.fw.forget(f.path, f) {
		return nil
	}
	_ = f.File.Sync()
	return f.File.Close()
}

// Output returns a provider that pre-allocates path to size bytes when the
// job starts.
func (fw *FileWriter) Output(path string, size int64) OutputProvider {
	return func() (OutputStream, error) {
		return fw.PreAllocate(path, size)
	}
}

// PreAllocate creates path, including missing directories, and sizes it.
// A path that is already open through this writer is refused.
func (fw *FileWriter) PreAllocate(path string, size int64) (OutputStream, error) {
	fw.mu.Lock()
	if _, busy := fw.handles[path]; busy {
		fw.mu.Unlock()
		return nil, fmt.Errorf("output file %s is already in use", path)
	}
	tf := &trackedFile{fw: fw, path: path}
	fw.handles[path] = tf
	fw.mu.Unlock()

	f, err := fw.open(path, size)
	if err != nil {
		fw.forget(path, tf)
		return nil, err
	}
	fw.mu.Lock()
	tf.File = f
	fw.mu.Unlock()

	return tf, nil
}

func (fw *FileWriter) open(path string, size int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open output file: %w", err)
	}

	// On Linux/Unix, Truncate creates a sparse file.
	// It updates the metadata size but doesn't fill blocks with zeros yet.
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("could not size output file: %w", err)
	}
	return f, nil
}

func (fw *FileWriter) forget(path string, f *trackedFile) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.handles[path] != f {
		return false
	}
	delete(fw.handles, path)
	return true
}

// Open reports how many files are currently open.
func (fw *FileWriter) Open() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.handles)
}

func (fw *FileWriter) CloseAll() {
	fw.mu.Lock()
	files := make([]*trackedFile, 0, len(fw.handles))
	for _, f := range fw.handles {
		if f.File != nil {
			files = append(files, f)
		}
	}
	fw.mu.Unlock()

	for _, f := range files {
		_ = f.Close() // Ignore error on global cleanup
	}
}

// Finalize moves a finished .part file to its final name.
func (fw *FileWriter) Finalize(partPath, finalPath string) error {
	if err := os.Rename(partPath, finalPath); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(finalPath), err)
	}
	return nil
}

// OutputName derives a safe file name from the last path segment of u.
func OutputName(u *url.URL) string {
	name := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}

	name = badChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)

	if name == "" || name == "." || name == ".." || name == "_" {
		return "download.bin"
	}
	return name
}
