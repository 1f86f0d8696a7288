package kvstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/crmsync/internal/record"
)

const (
	dirFileExt   = ".json"
	dirTmpPrefix = ".tmp-"
)

// Dir is a Store keeping one file per key in a directory. Processes sharing
// the directory share the records; fsnotify provides the native signal.
//
// Writes go to a temporary file renamed over the target, so readers never
// observe a partially written value.
//
// A key written and removed in quick succession usually reaches watchers as
// a deletion only: the file is gone before the watcher reads it. The notifier
// marker is such a key, so on a Dir store the marker fallback does not fire;
// watchers learn of record writes from the record file's own event instead.
type Dir struct {
	root  string
	quota int64
	log   *slog.Logger
}

// DirOption configures a Dir store.
type DirOption func(*Dir)

// WithDirQuota limits the total size of the stored files, in bytes.
// Zero means unlimited.
func WithDirQuota(bytes int64) DirOption {
	return func(d *Dir) {
		d.quota = bytes
	}
}

// WithDirLogger sets the logger used by watchers.
func WithDirLogger(l *slog.Logger) DirOption {
	return func(d *Dir) {
		d.log = l
	}
}

// OpenDir creates the directory if needed and returns a store rooted there.
func OpenDir(root string, opts ...DirOption) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", root, err)
	}
	d := &Dir{root: root, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Root returns the directory holding the records.
func (d *Dir) Root() string {
	return d.root
}

func (d *Dir) path(key string) string {
	return filepath.Join(d.root, url.PathEscape(key)+dirFileExt)
}

// keyFromName maps a file name back to its key. ok is false for files that
// are not records, such as in-flight temporary files.
func keyFromName(name string) (string, bool) {
	if strings.HasPrefix(name, dirTmpPrefix) || !strings.HasSuffix(name, dirFileExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, dirFileExt))
	if err != nil {
		return "", false
	}
	return key, true
}

// Get implements Store.
func (d *Dir) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifyFS("dir get", key, err)
	}
	return string(data), true, nil
}

// Set implements Store.
func (d *Dir) Set(key, value string) error {
	target := d.path(key)
	if d.quota > 0 {
		used, err := d.usage(target)
		if err != nil {
			return classifyFS("dir set", key, err)
		}
		if used+int64(len(value)) > d.quota {
			return fmt.Errorf("dir set %q: %d bytes over quota %d: %w",
				key, used+int64(len(value)), d.quota, record.ErrCapacityExceeded)
		}
	}

	tmp, err := os.CreateTemp(d.root, dirTmpPrefix+"*")
	if err != nil {
		return classifyFS("dir set", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return classifyFS("dir set", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return classifyFS("dir set", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return classifyFS("dir set", key, err)
	}
	return nil
}

// Remove implements Store.
func (d *Dir) Remove(key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyFS("dir remove", key, err)
	}
	return nil
}

// Keys returns all stored keys.
func (d *Dir) Keys() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, classifyFS("dir keys", "", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if k, ok := keyFromName(e.Name()); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// usage sums the sizes of all record files except skip.
func (d *Dir) usage(skip string) (int64, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() || filepath.Join(d.root, e.Name()) == skip {
			continue
		}
		if _, ok := keyFromName(e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// Watch implements Watcher using fsnotify.
//
// fsnotify reports this process's own writes as well; consumers filter them
// by writer identity. A create or write event whose file is already gone
// when read is skipped; only the following removal is delivered.
func (d *Dir) Watch(fn func(Change)) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, classifyFS("dir watch", "", err)
	}
	if err := w.Add(d.root); err != nil {
		_ = w.Close()
		return nil, classifyFS("dir watch", "", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				d.dispatch(event, fn)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				d.log.Warn("dir watch error", "root", d.root, "error", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = w.Close()
			<-done
		})
	}, nil
}

func (d *Dir) dispatch(event fsnotify.Event, fn func(Change)) {
	key, ok := keyFromName(filepath.Base(event.Name))
	if !ok {
		return
	}
	switch {
	case event.Has(fsnotify.Remove):
		fn(Change{Key: key, Deleted: true})
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write), event.Has(fsnotify.Rename):
		value, present, err := d.Get(key)
		if err != nil {
			d.log.Debug("dir watch: read failed", "key", key, "error", err)
			return
		}
		if !present {
			return
		}
		fn(Change{Key: key, Value: value})
	}
}

// classifyFS wraps err with the record taxonomy sentinel. A full disk is a
// capacity failure.
func classifyFS(op, key string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s %q: %w: %w", op, key, record.ErrCapacityExceeded, err)
	}
	return fmt.Errorf("%s %q: %w: %w", op, key, record.ErrStoreUnavailable, err)
}
