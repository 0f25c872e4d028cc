package engine

import (
	"os"
	"path/filepath"
)

// fileWriter owns the destination file of one task. All chunk workers share
// it; their ranges are disjoint and each write is a single offset write, so
// interleaving is safe without locking.
type fileWriter struct {
	f    *os.File
	path string
}

// openFileWriter opens or creates the destination file. When the total size
// is known the file is extended up front with a sparse truncate, so offset
// writes land inside the allocated range instead of growing the file
// concurrently. truncate discards existing content (fresh downloads only;
// resumed tasks keep their bytes).
func openFileWriter(path string, size int64, truncate bool) (*fileWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	flags := os.O_CREATE | os.O_RDWR
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}

	if size > 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, &StorageError{Op: "stat", Path: path, Err: err}
		}
		if info.Size() < size {
			if err := f.Truncate(size); err != nil {
				f.Close()
				return nil, &StorageError{Op: "preallocate", Path: path, Err: err}
			}
		}
	}

	return &fileWriter{f: f, path: path}, nil
}

// WriteAt writes p at the given file offset.
func (w *fileWriter) WriteAt(p []byte, off int64) error {
	if _, err := w.f.WriteAt(p, off); err != nil {
		return &StorageError{Op: "write", Path: w.path, Err: err}
	}
	return nil
}

// Size returns the current on-disk size.
func (w *fileWriter) Size() (int64, error) {
	info, err := w.f.Stat()
	if err != nil {
		return 0, &StorageError{Op: "stat", Path: w.path, Err: err}
	}
	return info.Size(), nil
}

// Finalize flushes buffers to disk and, for size-less streams, trims the
// file to the bytes actually written.
func (w *fileWriter) Finalize(size int64) error {
	if size >= 0 {
		info, err := w.f.Stat()
		if err != nil {
			return &StorageError{Op: "stat", Path: w.path, Err: err}
		}
		if info.Size() > size {
			if err := w.f.Truncate(size); err != nil {
				return &StorageError{Op: "truncate", Path: w.path, Err: err}
			}
		}
	}
	if err := w.f.Sync(); err != nil {
		return &StorageError{Op: "sync", Path: w.path, Err: err}
	}
	return nil
}

// Close releases the file handle.
func (w *fileWriter) Close() error {
	return w.f.Close()
}

// Remove closes the handle and deletes the partial file. Used by cancel.
func (w *fileWriter) Remove() error {
	w.f.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove", Path: w.path, Err: err}
	}
	return nil
}
