package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	bundleDirPrefix = "bundle"
	contentFile     = "content.bin"
	stateFile       = "state.yaml"
)

// FileStore keeps one directory per bundle below Root:
//
//	<root>/bundle<id>/content.bin
//	<root>/bundle<id>/state.yaml
type FileStore struct {
	Root string
	mu   sync.Mutex
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root %s: %w", root, err)
	}
	return &FileStore{Root: root}, nil
}

func (f *FileStore) dir(id int64) string {
	return filepath.Join(f.Root, bundleDirPrefix+strconv.FormatInt(id, 10))
}

func (f *FileStore) ReadBlob(id int64) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir(id), contentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f *FileStore) WriteBlob(id int64, data []byte) error {
	if id < 0 {
		return ErrInvalidID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeFile(id, contentFile, data)
}

func (f *FileStore) ReadState(id int64) (State, error) {
	data, err := os.ReadFile(filepath.Join(f.dir(id), stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode state of bundle %d: %w", id, err)
	}
	return st, nil
}

func (f *FileStore) WriteState(id int64, st State) error {
	if id < 0 {
		return ErrInvalidID
	}
	st.ID = id
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state of bundle %d: %w", id, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeFile(id, stateFile, data)
}

// writeFile replaces name atomically via a temporary file and rename.
func (f *FileStore) writeFile(id int64, name string, data []byte) error {
	dir := f.dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

func (f *FileStore) Delete(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return os.RemoveAll(f.dir(id))
}

func (f *FileStore) IDs() ([]int64, error) {
	entries, err := os.ReadDir(f.Root)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), bundleDirPrefix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(e.Name(), bundleDirPrefix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
