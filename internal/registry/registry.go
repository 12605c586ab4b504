package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/loykin/deployr/internal/artifact"
)

var (
	// ErrCorrupt means the descriptor file exists but cannot be decoded.
	// Batch operations abort on it.
	ErrCorrupt = errors.New("descriptor file is corrupt")
	// ErrPortTaken is returned when a unit is added on a registered port.
	ErrPortTaken = errors.New("port already registered")
	// ErrNotRegistered is returned when no unit exists for a port.
	ErrNotRegistered = errors.New("port not registered")
)

// Unit is one managed deployment, identified by the port its application
// listens on.
type Unit struct {
	URL            string `toml:"url" json:"url"`
	InstallerToken string `toml:"installer_token" json:"installer_token"`
	AppName        string `toml:"app_name" json:"app_name"`
	AppVersion     string `toml:"app_version" json:"app_version"`
	AppFileName    string `toml:"app_file_name" json:"app_file_name"`
	AppRunPort     int    `toml:"app_run_port" json:"app_run_port"`
	JdkName        string `toml:"jdk_name" json:"jdk_name"`
	JdkVersion     string `toml:"jdk_version" json:"jdk_version"`
	JdkFileName    string `toml:"jdk_file_name" json:"jdk_file_name"`
}

// App is the application archive reference.
func (u Unit) App() artifact.Ref {
	return artifact.Ref{Name: u.AppName, Version: u.AppVersion, FileName: u.AppFileName}
}

// Jdk is the runtime archive reference.
func (u Unit) Jdk() artifact.Ref {
	return artifact.Ref{Name: u.JdkName, Version: u.JdkVersion, FileName: u.JdkFileName}
}

// Validate checks the fields every operation relies on.
func (u Unit) Validate() error {
	if u.AppRunPort <= 0 || u.AppRunPort > 65535 {
		return fmt.Errorf("app_run_port %d out of range", u.AppRunPort)
	}
	if u.URL == "" {
		return errors.New("url is empty")
	}
	if u.InstallerToken == "" {
		return errors.New("installer_token is empty")
	}
	if err := u.App().Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := u.Jdk().Validate(); err != nil {
		return fmt.Errorf("jdk: %w", err)
	}
	return nil
}

// File is the whole persisted descriptor.
type File struct {
	// ServerToken identifies this host; generated when the file is created.
	ServerToken string `toml:"server_token"`
	Installers  []Unit `toml:"installers"`
}

// Find returns the unit registered on port.
func (f *File) Find(port int) (Unit, bool) {
	for _, u := range f.Installers {
		if u.AppRunPort == port {
			return u, true
		}
	}
	return Unit{}, false
}

// Add appends u, refusing a second unit on the same port.
func (f *File) Add(u Unit) error {
	if _, ok := f.Find(u.AppRunPort); ok {
		return fmt.Errorf("%w: %d", ErrPortTaken, u.AppRunPort)
	}
	f.Installers = append(f.Installers, u)
	return nil
}

// Replace overwrites the unit registered on u.AppRunPort.
func (f *File) Replace(u Unit) error {
	for i := range f.Installers {
		if f.Installers[i].AppRunPort == u.AppRunPort {
			f.Installers[i] = u
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrNotRegistered, u.AppRunPort)
}

// Remove deletes the unit on port and reports whether it existed.
func (f *File) Remove(port int) bool {
	for i, u := range f.Installers {
		if u.AppRunPort == port {
			f.Installers = append(f.Installers[:i], f.Installers[i+1:]...)
			return true
		}
	}
	return false
}

// Registry reads and writes the descriptor file as a whole. A single agent
// process is assumed; there is no file locking.
type Registry struct {
	path string
}

func New(path string) *Registry {
	return &Registry{path: path}
}

func (r *Registry) Path() string { return r.path }

// Load reads the descriptor. A missing file yields an empty File.
func (r *Registry) Load() (*File, error) {
	b, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.path, err)
	}
	var f File
	if err := toml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, r.path, err)
	}
	seen := make(map[int]bool, len(f.Installers))
	for _, u := range f.Installers {
		if seen[u.AppRunPort] {
			return nil, fmt.Errorf("%w: %s: port %d listed twice", ErrCorrupt, r.path, u.AppRunPort)
		}
		seen[u.AppRunPort] = true
	}
	return &f, nil
}

// NewServerToken is the host token used when no MAC address is available.
func NewServerToken() string { return strings.ToUpper(uuid.NewString()) }

// Save writes f atomically, units ordered by port. A missing server token
// is generated first.
func (r *Registry) Save(f *File) error {
	if f.ServerToken == "" {
		f.ServerToken = NewServerToken()
	}
	sort.SliceStable(f.Installers, func(i, j int) bool {
		return f.Installers[i].AppRunPort < f.Installers[j].AppRunPort
	})

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}

	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create descriptor dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), "."+filepath.Base(r.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp descriptor: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace descriptor: %w", err)
	}
	return nil
}

// Mutate loads the file, applies fn and saves the result when fn succeeds.
func (r *Registry) Mutate(fn func(*File) error) error {
	f, err := r.Load()
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	return r.Save(f)
}
