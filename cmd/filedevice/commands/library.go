package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/filedevice/core/internal/entrystore"
)

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Create, open, list, switch, and close libraries",
}

func init() {
	rootCmd.AddCommand(libraryCmd)

	libraryCmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a new library and make it current",
		Args:  cobra.ExactArgs(1),
		RunE:  runLibraryCreate,
	})
	libraryCmd.AddCommand(&cobra.Command{
		Use:   "open <name>",
		Short: "Verify a library's database opens cleanly",
		Args:  cobra.ExactArgs(1),
		RunE:  runLibraryOpen,
	})
	libraryCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known libraries",
		Args:  cobra.NoArgs,
		RunE:  runLibraryList,
	})
	libraryCmd.AddCommand(&cobra.Command{
		Use:   "switch <name>",
		Short: "Make a library the current one",
		Args:  cobra.ExactArgs(1),
		RunE:  runLibrarySwitch,
	})
	libraryCmd.AddCommand(&cobra.Command{
		Use:   "close <name>",
		Short: "Forget a library (its database is left on disk)",
		Args:  cobra.ExactArgs(1),
		RunE:  runLibraryClose,
	})
}

func runLibraryCreate(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	if _, exists := m.Libraries[name]; exists {
		return fmt.Errorf("library %q already exists", name)
	}

	dbPath := filepath.Join(cfg.DataDir, "libraries", name, "entries.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create library directory: %w", err)
	}

	store, err := entrystore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("initialize library database: %w", err)
	}
	store.Close()

	m.Libraries[name] = libraryRecord{Name: name, DBPath: dbPath, CreatedAt: time.Now()}
	m.Current = name
	if err := saveManifest(cfg, m); err != nil {
		return err
	}

	fmt.Printf("Created library %q at %s and made it current.\n", name, dbPath)
	return nil
}

func runLibraryOpen(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	store, err := openLibraryStore(m, name)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Library %q opens cleanly.\n", name)
	return nil
}

func runLibraryList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	if len(m.Libraries) == 0 {
		fmt.Println("No libraries yet. Run `filedevice library create <name>`.")
		return nil
	}
	for _, name := range sortedLibraryNames(m) {
		rec := m.Libraries[name]
		marker := "  "
		if name == m.Current {
			marker = "* "
		}
		fmt.Printf("%s%s\t%s\n", marker, rec.Name, rec.DBPath)
	}
	return nil
}

func runLibrarySwitch(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	if _, ok := m.Libraries[name]; !ok {
		return fmt.Errorf("unknown library %q", name)
	}
	m.Current = name
	if err := saveManifest(cfg, m); err != nil {
		return err
	}
	fmt.Printf("Switched to library %q.\n", name)
	return nil
}

func runLibraryClose(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	if _, ok := m.Libraries[name]; !ok {
		return fmt.Errorf("unknown library %q", name)
	}
	delete(m.Libraries, name)
	if m.Current == name {
		m.Current = ""
	}
	if err := saveManifest(cfg, m); err != nil {
		return err
	}
	fmt.Printf("Closed library %q (database left on disk).\n", name)
	return nil
}
