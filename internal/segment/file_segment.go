package segment

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
)

// FileSegment is a default, dependency-light Segment backed by a plain file
// under the manager's mapped_file_dir. Production deployments plug in their
// own Segment/Loader pair wired to the real mmap primitive; FileSegment
// exists so the manager and its tests are runnable without one.
type FileSegment struct {
	path string
	mode os.FileMode
	size datasize.ByteSize

	mu          sync.RWMutex
	initialized bool
}

// NewFileSegment creates a FileSegment backed by the file at path. The file
// is not created until the first successful Load.
func NewFileSegment(path string, mode os.FileMode, size datasize.ByteSize) *FileSegment {
	return &FileSegment{
		path: path,
		mode: mode,
		size: size,
	}
}

// Path returns the backing file path.
func (s *FileSegment) Path() string {
	return s.path
}

// ResetParam implements Segment.
func (s *FileSegment) ResetParam() (ResetParam, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return ResetParam{}, false
	}

	return ResetParam{Path: s.path, Mode: s.mode}, true
}

func (s *FileSegment) markLoaded() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// FileLoader is the default Loader for FileSegment. It does not parse zone
// data; it stamps a generation marker into the segment's backing file so
// the pairing between Segment content and the event that produced it is
// observable in tests and demos.
type FileLoader struct{}

// NewFileLoader creates a FileLoader.
func NewFileLoader() *FileLoader {
	return &FileLoader{}
}

// Load implements Loader.
func (l *FileLoader) Load(_ context.Context, seg Segment, class, dataSource, zoneName string) error {
	fs, ok := seg.(*FileSegment)
	if !ok {
		return fmt.Errorf("file loader: unsupported segment type %T", seg)
	}

	name := zoneName
	if name == "" {
		name = "*"
	}

	f, err := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.mode)
	if err != nil {
		return fmt.Errorf("failed to open segment file %q: %w", fs.path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "class=%s datasource=%s zone=%s loaded-at=%s\n",
		class, dataSource, name, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to write segment file %q: %w", fs.path, err)
	}

	if fs.size > 0 {
		if err := f.Truncate(int64(fs.size)); err != nil {
			return fmt.Errorf("failed to size segment file %q: %w", fs.path, err)
		}
	}

	fs.markLoaded()
	return nil
}
