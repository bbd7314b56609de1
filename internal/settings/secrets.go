package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrSecretNotFound is returned when a handle has no stored value.
var ErrSecretNotFound = errors.New("secret not found")

// envPrefix marks handles that resolve from the process environment.
const envPrefix = "env:"

// SecretStore resolves credential handles to their values.
type SecretStore interface {
	Resolve(ctx context.Context, ref SecretRef) (string, error)
	Put(ctx context.Context, ref SecretRef, value string) error
}

// FallbackRef is the handle under which the fallback credential for provider
// is stored.
func FallbackRef(provider string) SecretRef {
	return SecretRef("fallback/" + provider)
}

func resolveEnv(ref SecretRef) (string, bool, error) {
	name, ok := strings.CutPrefix(string(ref), envPrefix)
	if !ok {
		return "", false, nil
	}
	value := os.Getenv(name)
	if value == "" {
		return "", true, fmt.Errorf("%w: environment variable %s is empty", ErrSecretNotFound, name)
	}
	return value, true, nil
}

// MemorySecrets is an in-process SecretStore.
type MemorySecrets struct {
	mu     sync.RWMutex
	values map[SecretRef]string
}

// NewMemorySecrets creates a store pre-populated with values.
func NewMemorySecrets(values map[SecretRef]string) *MemorySecrets {
	m := &MemorySecrets{values: make(map[SecretRef]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *MemorySecrets) Resolve(ctx context.Context, ref SecretRef) (string, error) {
	if v, ok, err := resolveEnv(ref); ok {
		return v, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[ref]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	return v, nil
}

func (m *MemorySecrets) Put(ctx context.Context, ref SecretRef, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[ref] = value
	return nil
}

type secretsFile struct {
	Secrets map[SecretRef]string `yaml:"secrets"`
}

// FileSecrets keeps secrets in a YAML file and reloads it when the file is
// changed by another writer.
type FileSecrets struct {
	path    string
	logger  *logrus.Logger
	mu      sync.RWMutex
	values  map[SecretRef]string
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// OpenFileSecrets loads path (a missing file is an empty store) and starts
// watching its directory for changes.
func OpenFileSecrets(path string, logger *logrus.Logger) (*FileSecrets, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}

	fs := &FileSecrets{
		path:   path,
		logger: logger,
		values: make(map[SecretRef]string),
		done:   make(chan struct{}),
	}
	if err := fs.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets watcher: %w", err)
	}
	// Watch the directory; atomic renames replace the file inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch secrets directory: %w", err)
	}
	fs.watcher = watcher

	fs.wg.Add(1)
	go fs.watchLoop()

	return fs, nil
}

func (f *FileSecrets) watchLoop() {
	defer f.wg.Done()
	target := filepath.Clean(f.path)

	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := f.reload(); err != nil {
				f.logger.WithError(err).Warn("Failed to reload secrets file")
				continue
			}
			f.logger.WithField("path", f.path).Debug("Reloaded secrets file")
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.WithError(err).Warn("Secrets watcher error")
		}
	}
}

func (f *FileSecrets) reload() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read secrets file: %w", err)
	}

	var parsed secretsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse secrets file: %w", err)
	}
	if parsed.Secrets == nil {
		parsed.Secrets = make(map[SecretRef]string)
	}

	f.mu.Lock()
	f.values = parsed.Secrets
	f.mu.Unlock()
	return nil
}

func (f *FileSecrets) Resolve(ctx context.Context, ref SecretRef) (string, error) {
	if v, ok, err := resolveEnv(ref); ok {
		return v, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[ref]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	return v, nil
}

// Put stores value and rewrites the file atomically.
func (f *FileSecrets) Put(ctx context.Context, ref SecretRef, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[SecretRef]string, len(f.values)+1)
	for k, v := range f.values {
		next[k] = v
	}
	next[ref] = value

	data, err := yaml.Marshal(secretsFile{Secrets: next})
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}

	f.values = next
	return nil
}

// Close stops the watcher.
func (f *FileSecrets) Close() error {
	select {
	case <-f.done:
		return nil
	default:
	}
	close(f.done)
	err := f.watcher.Close()
	f.wg.Wait()
	return err
}

var (
	_ SecretStore = (*MemorySecrets)(nil)
	_ SecretStore = (*FileSecrets)(nil)
)
