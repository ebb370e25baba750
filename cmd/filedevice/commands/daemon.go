// The daemon command boots the job scheduler, filesystem watcher, and
// P2P transport endpoint together in one long-lived process, the one
// place in this module where those three run side by side rather than
// as separate one-shot CLI invocations.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/filedevice/core/internal/entrystore"
	"github.com/filedevice/core/internal/eventbus"
	"github.com/filedevice/core/internal/jobs"
	"github.com/filedevice/core/internal/rules"
	"github.com/filedevice/core/internal/transport"
	"github.com/filedevice/core/internal/walker"
	"github.com/filedevice/core/internal/watcher"
)

var daemonLibraryFlag string

func init() {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler, watcher, and network endpoint together until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	daemonCmd.Flags().StringVar(&daemonLibraryFlag, "library", "", "library name (default: current library)")
	rootCmd.AddCommand(daemonCmd)
}

// storeOwnership answers watcher.OwnershipChecker from the location table:
// a location may only be watched by the device that created it.
type storeOwnership struct {
	store    *entrystore.Store
	deviceID uuid.UUID
}

func (o storeOwnership) OwnsLocation(locationID string) bool {
	id, err := uuid.Parse(locationID)
	if err != nil {
		return false
	}
	loc, err := o.store.GetLocation(context.Background(), id)
	if err != nil {
		return false
	}
	return loc.DeviceID == o.deviceID
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	libName, err := resolveLibrary(cfg, m, daemonLibraryFlag)
	if err != nil {
		return err
	}
	rec, ok := m.Libraries[libName]
	if !ok {
		return fmt.Errorf("unknown library %q", libName)
	}
	store, err := entrystore.Open(rec.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	identity, err := loadOrCreateDeviceIdentity(cfg)
	if err != nil {
		return err
	}
	deviceID := deviceUUID(identity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := buildJobRegistry(store)
	bus := eventbus.New(256)
	jobsDBPath := filepath.Join(filepath.Dir(rec.DBPath), "jobs.db")
	sched, err := jobs.Open(jobsDBPath, registry, bus, int64(4))
	if err != nil {
		return err
	}
	defer sched.Shutdown(10 * time.Second)

	if err := sched.ResumeOnStartup(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "resume on startup: %v\n", err)
	}

	ruler := rules.New()
	ownership := storeOwnership{store: store, deviceID: deviceID}
	manager := watcher.NewManager(ownership, func(locationID, ancestorPath string) {
		fmt.Printf("location %s overflowed, rescanning from %s\n", locationID, ancestorPath)
	}, 0)

	locs, err := store.ListLocations(ctx)
	if err != nil {
		return err
	}
	for _, loc := range locs {
		if loc.DeviceID != deviceID {
			continue
		}
		if err := manager.Watch(ctx, watcher.Location{ID: loc.ID.String(), Path: loc.Path, Ruler: ruler}); err != nil {
			fmt.Fprintf(os.Stderr, "watch %s: %v\n", loc.Path, err)
			continue
		}
		fmt.Printf("watching %s (%s)\n", loc.Path, loc.ID)
	}

	var endpoint *transport.Endpoint
	if cfg.Network.AutoStart {
		tlsCfg, err := transport.SelfSignedTLSConfig(identity.DeviceID, identity.Signer())
		if err != nil {
			return err
		}
		endpoint = transport.NewEndpoint(identity.DeviceID, bus)
		if err := endpoint.Listen(ctx, cfg.Network.ListenAddr, tlsCfg); err != nil {
			return err
		}
		fmt.Printf("listening for peers on %s\n", cfg.Network.ListenAddr)
	}

	fmt.Println("daemon running, press Ctrl+C to stop")
	for {
		select {
		case <-ctx.Done():
			if endpoint != nil {
				_ = endpoint.Shutdown("daemon stopping")
			}
			fmt.Println("daemon stopped")
			return nil
		case ev := <-manager.Events():
			// A changed-path location doesn't carry enough information on
			// its own to resolve the iso-path prefix of the affected
			// subdirectory, so the daemon reconciles the whole location
			// rather than just the changed branch.
			locID, err := uuid.Parse(ev.LocationID)
			if err != nil {
				continue
			}
			loc, err := store.GetLocation(ctx, locID)
			if err != nil {
				continue
			}
			task := walker.New(uuid.NewString(), false, locID, loc.Path, "", walker.ModeDeep, ruler, store)
			if _, err := sched.Dispatch(ctx, walker.NewJobAdapter(task), false); err != nil {
				fmt.Fprintf(os.Stderr, "dispatch rescan for %s: %v\n", loc.Path, err)
			}
		}
	}
}
