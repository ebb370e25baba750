// Index commands expose the walker directly, separate from the Location
// commands that pair a walk with a persisted location row. quick-scan runs
// a walk against a throwaway in-memory store so it never touches a real
// library's database; browse reads back already-indexed entries; reindex
// re-walks a subtree of an existing location, scoped by an iso-path prefix
// rather than location rescan's whole-location sweep.
package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/filedevice/core/internal/entrystore"
	"github.com/filedevice/core/internal/rules"
	"github.com/filedevice/core/internal/walker"
)

var indexLibraryFlag string

func init() {
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Run ad hoc scans and browse indexed entries",
	}
	indexCmd.PersistentFlags().StringVar(&indexLibraryFlag, "library", "", "library name (default: current library)")
	rootCmd.AddCommand(indexCmd)

	quickScanCmd := &cobra.Command{
		Use:   "quick-scan <path>",
		Short: "Walk a path against an ephemeral store and print what would be indexed",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndexQuickScan,
	}
	quickScanCmd.Flags().String("scope", "deep", "deep (recurse) or shallow (this directory only)")
	indexCmd.AddCommand(quickScanCmd)

	browseCmd := &cobra.Command{
		Use:   "browse <location-id> [iso-path]",
		Short: "List already-indexed entries under a location, optionally scoped to a subpath",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runIndexBrowse,
	}
	browseCmd.Flags().Bool("content", false, "include content hash and size detail")
	indexCmd.AddCommand(browseCmd)

	reindexCmd := &cobra.Command{
		Use:   "reindex <location-id> <iso-path>",
		Short: "Re-walk one subtree of a location, identified by its iso-path prefix",
		Args:  cobra.ExactArgs(2),
		RunE:  runIndexReindex,
	}
	reindexCmd.Flags().String("mode", "deep", "deep (recurse) or shallow (this directory only)")
	indexCmd.AddCommand(reindexCmd)
}

func parseWalkMode(s string) (walker.Mode, error) {
	switch s {
	case "deep", "":
		return walker.ModeDeep, nil
	case "shallow":
		return walker.ModeShallow, nil
	default:
		return 0, fmt.Errorf("unknown scope/mode %q: want deep or shallow", s)
	}
}

// runIndexQuickScan walks absPath against a fresh :memory: store so the
// scan's to_create/to_update/to_remove quadruple is always "everything is
// new" and never perturbs a real library's database.
func runIndexQuickScan(cmd *cobra.Command, args []string) error {
	scope, _ := cmd.Flags().GetString("scope")
	mode, err := parseWalkMode(scope)
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	store, err := entrystore.Open(":memory:")
	if err != nil {
		return fmt.Errorf("open ephemeral store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	locationID, err := store.CreateLocation(ctx, uuid.New(), "quick-scan", absPath, scope)
	if err != nil {
		return fmt.Errorf("stage ephemeral location: %w", err)
	}

	task := walker.New(locationID.String(), true, locationID, absPath, "", mode, rules.New(), store)
	result := task.Run(ctx, newImmediateInterrupter(ctx))
	if result.Err != nil {
		return fmt.Errorf("quick-scan %s: %w", absPath, result.Err)
	}

	res, ok := result.Output.(walker.Result)
	if !ok {
		return fmt.Errorf("quick-scan %s: walker returned no result", absPath)
	}
	for _, e := range res.ToCreate {
		kind := "file"
		if e.Kind == entrystore.KindDirectory {
			kind = "dir"
		}
		fmt.Printf("%s\t%s\t%d bytes\n", kind, e.IsoPath, e.Size)
	}
	for _, p := range res.NonIndexedPaths {
		fmt.Printf("skip\t%s\n", p)
	}
	fmt.Printf("%d entries scanned in %s.\n", len(res.ToCreate), res.ScanTime)
	return nil
}

func runIndexBrowse(cmd *cobra.Command, args []string) error {
	content, _ := cmd.Flags().GetBool("content")

	locationID, err := parseLocationID(args[0])
	if err != nil {
		return err
	}
	isoPath := ""
	if len(args) > 1 {
		isoPath = args[1]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	libName, err := resolveLibrary(cfg, m, indexLibraryFlag)
	if err != nil {
		return err
	}
	store, err := openLibraryStore(m, libName)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	var parentID uuid.UUID
	if isoPath == "" {
		loc, err := store.GetLocation(ctx, locationID)
		if err != nil {
			return err
		}
		if loc.RootEntryID == nil {
			fmt.Println("Location has no indexed entries yet.")
			return nil
		}
		parentID = *loc.RootEntryID
	} else {
		entry, err := store.FindByIsoPath(ctx, locationID, isoPath)
		if err != nil {
			return err
		}
		parentID = entry.ID
	}

	entries, err := store.ListUnder(ctx, parentID, entrystore.ListPredicate{MaxDepth: intPtrIdx(1)})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if content {
			hash := "-"
			if e.ContentHash != nil {
				hash = *e.ContentHash
			}
			fmt.Printf("%s\t%s\t%d bytes\t%s\n", e.Kind, e.IsoPath, e.Size, hash)
		} else {
			fmt.Printf("%s\t%s\n", e.Kind, e.IsoPath)
		}
	}
	return nil
}

func runIndexReindex(cmd *cobra.Command, args []string) error {
	modeFlag, _ := cmd.Flags().GetString("mode")
	mode, err := parseWalkMode(modeFlag)
	if err != nil {
		return err
	}

	locationID, err := parseLocationID(args[0])
	if err != nil {
		return err
	}
	isoPath := args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	libName, err := resolveLibrary(cfg, m, indexLibraryFlag)
	if err != nil {
		return err
	}
	store, err := openLibraryStore(m, libName)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	loc, err := store.GetLocation(ctx, locationID)
	if err != nil {
		return err
	}

	absPath := filepath.Join(loc.Path, filepath.FromSlash(isoPath))
	task := walker.New(locationID.String(), true, locationID, absPath, isoPath, mode, rules.New(), store)
	result := task.Run(ctx, newImmediateInterrupter(ctx))
	if result.Err != nil {
		return fmt.Errorf("reindex %s/%s: %w", loc.Path, isoPath, result.Err)
	}
	fmt.Printf("Reindexed %s under location %s.\n", isoPath, locationID)
	return nil
}

func intPtrIdx(v int) *int { return &v }
