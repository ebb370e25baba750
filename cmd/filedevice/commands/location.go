package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/filedevice/core/internal/entrystore"
	"github.com/filedevice/core/internal/rules"
	"github.com/filedevice/core/internal/walker"
)

var locationLibraryFlag string

var locationCmd = &cobra.Command{
	Use:   "location",
	Short: "Add, list, remove, rescan, and inspect indexed locations",
}

func init() {
	rootCmd.AddCommand(locationCmd)
	locationCmd.PersistentFlags().StringVar(&locationLibraryFlag, "library", "", "library name (default: current library)")

	addCmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Add a location and run its initial scan",
		Args:  cobra.ExactArgs(1),
		RunE:  runLocationAdd,
	}
	addCmd.Flags().String("name", "", "display name (default: the path's base name)")
	addCmd.Flags().String("mode", "deep", "index mode: deep or shallow")
	locationCmd.AddCommand(addCmd)

	locationCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List locations in the current library",
		Args:  cobra.NoArgs,
		RunE:  runLocationList,
	})

	removeCmd := &cobra.Command{
		Use:   "remove <location-id>",
		Short: "Remove a location and its indexed entries",
		Args:  cobra.ExactArgs(1),
		RunE:  runLocationRemove,
	}
	locationCmd.AddCommand(removeCmd)

	rescanCmd := &cobra.Command{
		Use:   "rescan <location-id>",
		Short: "Re-run the walker over a location",
		Args:  cobra.ExactArgs(1),
		RunE:  runLocationRescan,
	}
	rescanCmd.Flags().Bool("force", false, "ignore scan_state and rescan unconditionally")
	locationCmd.AddCommand(rescanCmd)

	locationCmd.AddCommand(&cobra.Command{
		Use:   "info <location-id>",
		Short: "Show a location's indexed stats",
		Args:  cobra.ExactArgs(1),
		RunE:  runLocationInfo,
	})
}

func openCurrentLibrary() (*entrystore.Store, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return nil, "", err
	}
	name, err := resolveLibrary(cfg, m, locationLibraryFlag)
	if err != nil {
		return nil, "", err
	}
	store, err := openLibraryStore(m, name)
	if err != nil {
		return nil, "", err
	}
	return store, name, nil
}

func runLocationAdd(cmd *cobra.Command, args []string) error {
	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	store, libName, err := openCurrentLibrary()
	if err != nil {
		return err
	}
	defer store.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	identity, err := loadOrCreateDeviceIdentity(cfg)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = filepath.Base(absPath)
	}
	mode, _ := cmd.Flags().GetString("mode")

	ctx := context.Background()
	locationID, err := store.CreateLocation(ctx, deviceUUID(identity), name, absPath, mode)
	if err != nil {
		return fmt.Errorf("create location: %w", err)
	}

	walkMode := walker.ModeDeep
	if mode == "shallow" {
		walkMode = walker.ModeShallow
	}

	if err := store.SetLocationScanState(ctx, locationID, "scanning"); err != nil {
		return err
	}
	task := walker.New(locationID.String(), true, locationID, absPath, "", walkMode, rules.New(), store)
	result := task.Run(ctx, newImmediateInterrupter(ctx))
	if result.Err != nil {
		_ = store.SetLocationScanState(ctx, locationID, "error")
		return fmt.Errorf("initial scan of %s: %w", absPath, result.Err)
	}
	if err := store.SetLocationScanState(ctx, locationID, "idle"); err != nil {
		return err
	}

	fmt.Printf("Added location %q (%s) to library %q and completed initial scan.\n", name, locationID, libName)
	return nil
}

func runLocationList(cmd *cobra.Command, args []string) error {
	store, libName, err := openCurrentLibrary()
	if err != nil {
		return err
	}
	defer store.Close()

	locs, err := store.ListLocations(context.Background())
	if err != nil {
		return err
	}
	if len(locs) == 0 {
		fmt.Printf("No locations in library %q.\n", libName)
		return nil
	}
	for _, loc := range locs {
		fmt.Printf("%s\t%s\t%s\t%s\t%d files, %d bytes\n", loc.ID, loc.Name, loc.Path, loc.ScanState, loc.FileCount, loc.ByteSize)
	}
	return nil
}

func runLocationRemove(cmd *cobra.Command, args []string) error {
	id, err := parseLocationID(args[0])
	if err != nil {
		return err
	}
	store, _, err := openCurrentLibrary()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RemoveLocation(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Removed location %s.\n", id)
	return nil
}

func runLocationRescan(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	id, err := parseLocationID(args[0])
	if err != nil {
		return err
	}
	store, _, err := openCurrentLibrary()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	loc, err := store.GetLocation(ctx, id)
	if err != nil {
		return err
	}
	if loc.ScanState == "scanning" && !force {
		return fmt.Errorf("location %s is already scanning, pass --force to rescan anyway", id)
	}

	if err := store.SetLocationScanState(ctx, id, "scanning"); err != nil {
		return err
	}
	task := walker.New(id.String(), true, id, loc.Path, "", walker.ModeDeep, rules.New(), store)
	result := task.Run(ctx, newImmediateInterrupter(ctx))
	if result.Err != nil {
		_ = store.SetLocationScanState(ctx, id, "error")
		return fmt.Errorf("rescan %s: %w", loc.Path, result.Err)
	}
	if err := store.SetLocationScanState(ctx, id, "idle"); err != nil {
		return err
	}
	fmt.Printf("Rescanned location %s (%s).\n", id, loc.Path)
	return nil
}

func runLocationInfo(cmd *cobra.Command, args []string) error {
	id, err := parseLocationID(args[0])
	if err != nil {
		return err
	}
	store, _, err := openCurrentLibrary()
	if err != nil {
		return err
	}
	defer store.Close()

	loc, err := store.GetLocation(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Printf("id:          %s\n", loc.ID)
	fmt.Printf("name:        %s\n", loc.Name)
	fmt.Printf("path:        %s\n", loc.Path)
	fmt.Printf("index mode:  %s\n", loc.IndexMode)
	fmt.Printf("scan state:  %s\n", loc.ScanState)
	fmt.Printf("file count:  %d\n", loc.FileCount)
	fmt.Printf("byte size:   %d\n", loc.ByteSize)
	fmt.Printf("created at:  %s\n", loc.CreatedAt)
	return nil
}
