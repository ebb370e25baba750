// The sync commands exchange causal sync engine journal rows directly
// over a TLS socket, the same raw tls.Listen/tls.Dial plus frame-at-a-
// time JSON approach the pairing handshake uses rather than the
// Endpoint/Handler abstraction, since a pull is a short request/response
// exchange rather than a long-lived multiplexed connection.
package commands

import (
	"crypto/tls"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/filedevice/core/internal/entrystore"
	"github.com/filedevice/core/internal/syncengine"
	"github.com/filedevice/core/internal/transport"
)

var syncLibraryFlag string

func init() {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Exchange causal sync journal rows with a paired device",
	}
	syncCmd.PersistentFlags().StringVar(&syncLibraryFlag, "library", "", "library name (default: current library)")
	rootCmd.AddCommand(syncCmd)

	syncCmd.AddCommand(&cobra.Command{
		Use:   "serve <listen-addr>",
		Short: "Accept one peer's pull request and answer with this library's journal rows",
		Args:  cobra.ExactArgs(1),
		RunE:  runSyncServe,
	})
	syncCmd.AddCommand(&cobra.Command{
		Use:   "pull <addr>",
		Short: "Connect to a peer and apply its journal rows since this device's last applied watermark",
		Args:  cobra.ExactArgs(1),
		RunE:  runSyncPull,
	})
}

// syncHello is exchanged first so each side learns the other's device id:
// RowsForPeer/AppliedWatermark are both keyed by origin device id, which
// neither side knows before the connection is established.
type syncHello struct {
	DeviceID string
}

type syncRequest struct {
	SinceWatermark uint64
}

type syncResponse struct {
	Rows []syncengine.JournalRow
}

func openCurrentLibraryForSync() (*entrystore.Store, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return nil, "", err
	}
	name, err := resolveLibrary(cfg, m, syncLibraryFlag)
	if err != nil {
		return nil, "", err
	}
	store, err := openLibraryStore(m, name)
	if err != nil {
		return nil, "", err
	}
	return store, name, nil
}

func runSyncServe(cmd *cobra.Command, args []string) error {
	listenAddr := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	identity, err := loadOrCreateDeviceIdentity(cfg)
	if err != nil {
		return err
	}
	store, libName, err := openCurrentLibraryForSync()
	if err != nil {
		return err
	}
	defer store.Close()

	engine := syncengine.NewEngine(libName, identity.DeviceID, syncengine.EntryStoreAdapter{Store: store})

	tlsCfg, err := transport.SelfSignedTLSConfig(identity.DeviceID, identity.Signer())
	if err != nil {
		return err
	}
	tlsCfg.NextProtos = []string{string(transport.ALPNSync)}

	ln, err := tls.Listen("tcp", listenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()
	fmt.Printf("Waiting for a sync pull on %s (library %q)...\n", listenAddr, libName)

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	if err := writeFrameJSON(conn, syncHello{DeviceID: identity.DeviceID}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	var peerHello syncHello
	if err := readFrameJSON(conn, &peerHello); err != nil {
		return fmt.Errorf("read peer hello: %w", err)
	}

	var req syncRequest
	if err := readFrameJSON(conn, &req); err != nil {
		return fmt.Errorf("read sync request: %w", err)
	}

	rows := engine.RowsForPeer(req.SinceWatermark)
	if err := writeFrameJSON(conn, syncResponse{Rows: rows}); err != nil {
		return fmt.Errorf("send sync response: %w", err)
	}

	fmt.Printf("Sent %d journal row(s) to %s.\n", len(rows), peerHello.DeviceID)
	return nil
}

func runSyncPull(cmd *cobra.Command, args []string) error {
	addr := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	identity, err := loadOrCreateDeviceIdentity(cfg)
	if err != nil {
		return err
	}
	store, libName, err := openCurrentLibraryForSync()
	if err != nil {
		return err
	}
	defer store.Close()

	engine := syncengine.NewEngine(libName, identity.DeviceID, syncengine.EntryStoreAdapter{Store: store})

	tlsCfg, err := transport.SelfSignedTLSConfig(identity.DeviceID, identity.Signer())
	if err != nil {
		return err
	}
	tlsCfg.NextProtos = []string{string(transport.ALPNSync)}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	var peerHello syncHello
	if err := readFrameJSON(conn, &peerHello); err != nil {
		return fmt.Errorf("read peer hello: %w", err)
	}
	if err := writeFrameJSON(conn, syncHello{DeviceID: identity.DeviceID}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	since := engine.Journal.AppliedWatermark(peerHello.DeviceID)
	if err := writeFrameJSON(conn, syncRequest{SinceWatermark: since}); err != nil {
		return fmt.Errorf("send sync request: %w", err)
	}

	var resp syncResponse
	if err := readFrameJSON(conn, &resp); err != nil {
		return fmt.Errorf("read sync response: %w", err)
	}

	applied := 0
	for _, row := range resp.Rows {
		if err := engine.ApplyRow(row); err != nil {
			fmt.Printf("skipping row %s/%s: %v\n", row.ResourceType, row.ResourceID, err)
			continue
		}
		applied++
	}

	fmt.Printf("Applied %d of %d journal row(s) from %s.\n", applied, len(resp.Rows), peerHello.DeviceID)
	if stalled := engine.CheckStalled(); len(stalled) > 0 {
		for _, serr := range stalled {
			fmt.Printf("warning: %v\n", serr)
		}
	}
	return nil
}
