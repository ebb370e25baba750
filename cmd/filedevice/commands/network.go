// Network commands exercise the device identity, self-signed TLS
// transport, and BIP-39 pairing handshake against a real socket. "listen"
// and "pair accept" block in the foreground rather than detaching: a user
// runs one of them in one terminal and "pair join" in another. The
// "daemon" command is the long-running alternative; it starts the
// transport endpoint when network.auto_start is set in the config.
package commands

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/filedevice/core/internal/eventbus"
	"github.com/filedevice/core/internal/pairing"
	"github.com/filedevice/core/internal/transport"
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Inspect device identity and run the P2P transport",
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Generate and consume BIP-39 pairing codes",
}

func init() {
	rootCmd.AddCommand(networkCmd)
	networkCmd.AddCommand(pairCmd)

	networkCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create (or show) this device's identity and fingerprint",
		Args:  cobra.NoArgs,
		RunE:  runNetworkInit,
	})
	networkCmd.AddCommand(&cobra.Command{
		Use:   "listen <addr>",
		Short: "Accept inbound connections and print peer events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runNetworkListen,
	})
	networkCmd.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List node ids with an open connection on a fresh endpoint",
		Args:  cobra.NoArgs,
		RunE:  runNetworkDevices,
	})

	pairCmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate a 12-word pairing code to read out to the other device",
		Args:  cobra.NoArgs,
		RunE:  runPairGenerate,
	})
	pairCmd.AddCommand(&cobra.Command{
		Use:   "accept <mnemonic> <listen-addr>",
		Short: "Wait for a joiner to dial in and complete the pairing handshake (initiator side)",
		Args:  cobra.ExactArgs(2),
		RunE:  runPairAccept,
	})
	pairCmd.AddCommand(&cobra.Command{
		Use:   "join <mnemonic> <initiator-addr>",
		Short: "Dial the initiator and complete the pairing handshake (joiner side)",
		Args:  cobra.ExactArgs(2),
		RunE:  runPairJoin,
	})
}

func runNetworkInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	identity, err := loadOrCreateDeviceIdentity(cfg)
	if err != nil {
		return err
	}
	fp := identity.Fingerprint(identity.DeviceID)
	fmt.Printf("device id:   %s\n", identity.DeviceID)
	fmt.Printf("fingerprint: %x\n", fp)
	return nil
}

func runNetworkListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	identity, err := loadOrCreateDeviceIdentity(cfg)
	if err != nil {
		return err
	}

	tlsCfg, err := transport.SelfSignedTLSConfig(identity.DeviceID, identity.Signer())
	if err != nil {
		return err
	}

	bus := eventbus.New(256)
	endpoint := transport.NewEndpoint(identity.DeviceID, bus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := endpoint.Listen(ctx, args[0], tlsCfg); err != nil {
		return err
	}
	fmt.Printf("Listening on %s as %s. Press Ctrl+C to stop.\n", args[0], identity.DeviceID)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			_ = endpoint.Shutdown("listener stopped")
			return nil
		case ev := <-sub.C():
			fmt.Printf("[%s] %+v\n", time.Now().Format(time.RFC3339), ev)
		}
	}
}

func runNetworkDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	identity, err := loadOrCreateDeviceIdentity(cfg)
	if err != nil {
		return err
	}
	bus := eventbus.New(64)
	endpoint := transport.NewEndpoint(identity.DeviceID, bus)
	peers := endpoint.Peers()
	if len(peers) == 0 {
		fmt.Println("No open connections on this process. Run `filedevice network listen` in a long-lived terminal to hold connections open.")
		return nil
	}
	for _, p := range peers {
		fmt.Println(p)
	}
	return nil
}

func runPairGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	identity, err := loadOrCreateDeviceIdentity(cfg)
	if err != nil {
		return err
	}
	code, err := pairing.GenerateCode(identity.DeviceID)
	if err != nil {
		return err
	}
	fmt.Printf("Pairing code: %s\n", code.Mnemonic)
	fmt.Printf("Session id:   %x\n", code.SessionID())
	fmt.Printf("Expires at:   %s\n", code.ExpiresAt.Format(time.RFC3339))
	fmt.Println("Read this code out to the other device, then run `filedevice network pair accept <code> <listen-addr>` here.")
	return nil
}

func runPairAccept(cmd *cobra.Command, args []string) error {
	mnemonic, listenAddr := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	identity, err := loadOrCreateDeviceIdentity(cfg)
	if err != nil {
		return err
	}
	code, err := pairing.ParseCode(mnemonic)
	if err != nil {
		return err
	}
	if code.Expired() {
		return fmt.Errorf("pairing code has expired")
	}

	tlsCfg, err := transport.SelfSignedTLSConfig(identity.DeviceID, identity.Signer())
	if err != nil {
		return err
	}
	tlsCfg.NextProtos = []string{string(transport.ALPNPairing)}

	ln, err := tls.Listen("tcp", listenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()
	fmt.Printf("Waiting for a joiner to connect on %s...\n", listenAddr)

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	var req pairing.PairingRequest
	if err := readFrameJSON(conn, &req); err != nil {
		return fmt.Errorf("read pairing request: %w", err)
	}
	if req.SessionID != code.SessionID() {
		return fmt.Errorf("session id mismatch: joiner is using a different pairing code")
	}

	session := pairing.NewSession(req.SessionID)
	challengeBytes, err := pairing.GenerateChallenge()
	if err != nil {
		return err
	}
	if err := writeFrameJSON(conn, pairing.Challenge{
		SessionID:      req.SessionID,
		ChallengeBytes: challengeBytes,
		DeviceID:       identity.DeviceID,
	}); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	var resp pairing.Response
	if err := readFrameJSON(conn, &resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := session.VerifyResponse(resp, req.PublicKey, challengeBytes, code.SharedSecret()); err != nil {
		_ = writeFrameJSON(conn, pairing.Complete{SessionID: req.SessionID, Success: false, Reason: err.Error()})
		return err
	}
	session.Complete()

	if err := writeFrameJSON(conn, pairing.Complete{SessionID: req.SessionID, Success: true}); err != nil {
		return fmt.Errorf("send complete: %w", err)
	}

	fmt.Printf("Paired with %s (%s).\n", req.DeviceName, req.DeviceID)
	return nil
}

func runPairJoin(cmd *cobra.Command, args []string) error {
	mnemonic, addr := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	identity, err := loadOrCreateDeviceIdentity(cfg)
	if err != nil {
		return err
	}
	code, err := pairing.ParseCode(mnemonic)
	if err != nil {
		return err
	}
	if code.Expired() {
		return fmt.Errorf("pairing code has expired")
	}

	tlsCfg, err := transport.SelfSignedTLSConfig(identity.DeviceID, identity.Signer())
	if err != nil {
		return err
	}
	tlsCfg.NextProtos = []string{string(transport.ALPNPairing)}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	hostname, _ := os.Hostname()
	if err := writeFrameJSON(conn, pairing.PairingRequest{
		SessionID:  code.SessionID(),
		DeviceID:   identity.DeviceID,
		DeviceName: hostname,
		PublicKey:  identity.PublicKey,
	}); err != nil {
		return fmt.Errorf("send pairing request: %w", err)
	}

	var ch pairing.Challenge
	if err := readFrameJSON(conn, &ch); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}

	session := pairing.NewSession(code.SessionID())
	resp := session.HandleChallenge(identity, ch)
	if err := writeFrameJSON(conn, resp); err != nil {
		return fmt.Errorf("send response: %w", err)
	}

	var complete pairing.Complete
	if err := readFrameJSON(conn, &complete); err != nil {
		return fmt.Errorf("read complete: %w", err)
	}
	if !complete.Success {
		session.Fail(complete.Reason)
		return fmt.Errorf("pairing rejected: %s", complete.Reason)
	}
	if err := session.InstallJoinerKeys(code.SharedSecret()); err != nil {
		return err
	}
	session.Complete()

	fmt.Printf("Paired with initiator %s.\n", ch.DeviceID)
	return nil
}
