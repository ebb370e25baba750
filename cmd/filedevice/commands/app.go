package commands

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/filedevice/core/internal/config"
	"github.com/filedevice/core/internal/entrystore"
	"github.com/filedevice/core/internal/pairing"
)

// libraryRecord is one entry of the libraries manifest persisted under
// the data directory: the set of libraries this device knows about and
// where each one's entry-store database lives.
type libraryRecord struct {
	Name      string    `yaml:"name"`
	DBPath    string    `yaml:"db_path"`
	CreatedAt time.Time `yaml:"created_at"`
}

type librariesManifest struct {
	Current   string                   `yaml:"current"`
	Libraries map[string]libraryRecord `yaml:"libraries"`
}

func manifestPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "libraries.yaml")
}

func loadManifest(cfg *config.Config) (*librariesManifest, error) {
	path := manifestPath(cfg)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &librariesManifest{Libraries: map[string]libraryRecord{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read libraries manifest: %w", err)
	}
	var m librariesManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse libraries manifest: %w", err)
	}
	if m.Libraries == nil {
		m.Libraries = map[string]libraryRecord{}
	}
	return &m, nil
}

func saveManifest(cfg *config.Config, m *librariesManifest) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode libraries manifest: %w", err)
	}
	return os.WriteFile(manifestPath(cfg), data, 0o644)
}

// sortedLibraryNames returns the manifest's library names in a stable order.
func sortedLibraryNames(m *librariesManifest) []string {
	names := make([]string, 0, len(m.Libraries))
	for name := range m.Libraries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveLibrary picks the library name the caller meant: the explicit
// flag value if given, otherwise the manifest's current library, falling
// back to the config's default_library.
func resolveLibrary(cfg *config.Config, m *librariesManifest, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if m.Current != "" {
		return m.Current, nil
	}
	if cfg.DefaultLibrary != "" {
		return cfg.DefaultLibrary, nil
	}
	return "", fmt.Errorf("no library selected; pass --library or run `filedevice library switch <name>`")
}

// openLibraryStore opens the entry-store database for a named library.
func openLibraryStore(m *librariesManifest, name string) (*entrystore.Store, error) {
	rec, ok := m.Libraries[name]
	if !ok {
		return nil, fmt.Errorf("unknown library %q", name)
	}
	return entrystore.Open(rec.DBPath)
}

// deviceMasterKeyPath is where this device's 32-byte signing seed is
// persisted, so DeriveIdentity yields a stable Identity across runs.
func deviceMasterKeyPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "device.key")
}

// loadOrCreateDeviceIdentity loads the persisted device master key,
// generating and persisting one on first run.
func loadOrCreateDeviceIdentity(cfg *config.Config) (*pairing.Identity, error) {
	path := deviceMasterKeyPath(cfg)
	key, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read device key: %w", err)
		}
		key = make([]byte, 32)
		if _, rerr := rand.Read(key); rerr != nil {
			return nil, fmt.Errorf("generate device key: %w", rerr)
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		if err := os.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("persist device key: %w", err)
		}
	}
	return pairing.DeriveIdentity(key)
}

// deviceUUID derives a stable UUID for this device from its identity, so
// entrystore rows (which key locations by a uuid.UUID device id) have a
// consistent owner across runs without a separate device table.
func deviceUUID(id *pairing.Identity) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(id.DeviceID))
}
