// Package transport implements the P2P endpoint: ALPN-scoped framed
// streams, a connection cache keyed by (node_id,
// ALPN), lexicographic-tie-break reconnection, health pinging, relay
// fallback, and graceful shutdown with a best-effort Goodbye.
package transport

import (
	"bufio"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/filedevice/core/internal/eventbus"
)

// ALPN names the sub-protocols multiplexed over one endpoint.
type ALPN string

const (
	ALPNPairing      ALPN = "pairing"
	ALPNFileTransfer ALPN = "file_transfer"
	ALPNMessaging    ALPN = "messaging"
	ALPNSync         ALPN = "sync"
)

// Handler processes framed messages arriving on one ALPN stream.
type Handler interface {
	HandleFrame(ctx context.Context, peerNodeID string, payload []byte) error
}

// WriteFrame writes a length-prefixed message: 4-byte big-endian length plus
// payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// conn is one opaque, ALPN-scoped connection held in the cache.
type conn struct {
	netConn    net.Conn
	nodeID     string
	alpn       ALPN
	mu         sync.Mutex
	lastSeen   time.Time
	failedPings int
}

func (c *conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.netConn, payload)
}

type connKey struct {
	nodeID string
	alpn   ALPN
}

// Event is published on the endpoint's broadcast channel for
// PeerDiscovered / PairingSessionDiscovered / MessageReceived /
// ConnectionLost notifications.
type Event struct {
	Kind   string
	NodeID string
	ALPN   ALPN
	Detail any
}

// Endpoint is a P2P endpoint bound to a node id, multiplexing ALPN
// sub-protocols over a connection cache.
type Endpoint struct {
	nodeID string

	mu    sync.RWMutex
	conns map[connKey]*conn

	handlers map[ALPN]Handler
	events   *eventbus.Bus

	listener   net.Listener
	forceRelay bool
	relayAddr  string
}

// NewEndpoint creates an endpoint bound to nodeID. events receives
// PeerDiscovered/MessageReceived/ConnectionLost notifications.
func NewEndpoint(nodeID string, events *eventbus.Bus) *Endpoint {
	return &Endpoint{
		nodeID:   nodeID,
		conns:    make(map[connKey]*conn),
		handlers: make(map[ALPN]Handler),
		events:   events,
	}
}

// RegisterHandler wires a protocol handler for an ALPN.
func (e *Endpoint) RegisterHandler(alpn ALPN, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[alpn] = h
}

// Peers lists the distinct node ids currently holding at least one open
// connection, for the network-devices CLI surface.
func (e *Endpoint) Peers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for key := range e.conns {
		if _, ok := seen[key.nodeID]; ok {
			continue
		}
		seen[key.nodeID] = struct{}{}
		out = append(out, key.nodeID)
	}
	return out
}

// SetForceRelay strips direct addresses before connecting, for testing
// relay fallback paths.
func (e *Endpoint) SetForceRelay(relayAddr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forceRelay = true
	e.relayAddr = relayAddr
}

// SelfSignedTLSConfig builds a TLS config around a certificate self-signed
// by the device's own Ed25519 identity key. Peer identity for this
// protocol is established by the pairing handshake running inside the
// encrypted channel, not by X.509 trust, so the server accepts any client
// certificate and the returned config sets InsecureSkipVerify, which lets
// outbound Dial calls accept the peer's self-signed certificate.
func SelfSignedTLSConfig(nodeID string, signer crypto.Signer) (*tls.Config, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: nodeID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: signer}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequestClientCert,
		InsecureSkipVerify: true,
	}, nil
}

// Listen starts accepting inbound TLS connections and dispatches each to
// its ALPN-matching handler.
func (e *Endpoint) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	tlsConfig.NextProtos = []string{string(ALPNPairing), string(ALPNFileTransfer), string(ALPNMessaging), string(ALPNSync)}

	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	e.listener = ln

	go e.acceptLoop(ctx, ln)
	return nil
}

func (e *Endpoint) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("[transport] accept failed: %v", err)
				continue
			}
		}
		go e.handleInbound(ctx, netConn)
	}
}

func (e *Endpoint) handleInbound(ctx context.Context, netConn net.Conn) {
	tlsConn, ok := netConn.(*tls.Conn)
	if !ok {
		netConn.Close()
		return
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		log.Printf("[transport] handshake failed: %v", err)
		netConn.Close()
		return
	}

	alpn := ALPN(tlsConn.ConnectionState().NegotiatedProtocol)
	peerNodeID := netConn.RemoteAddr().String() // resolved properly once identity exchange runs atop the stream

	c := &conn{netConn: netConn, nodeID: peerNodeID, alpn: alpn, lastSeen: time.Now()}
	e.mu.Lock()
	e.conns[connKey{peerNodeID, alpn}] = c
	e.mu.Unlock()

	e.events.Publish(eventbus.Event{Kind: eventbus.KindCustom, CustomType: "transport.peer_discovered", Payload: Event{Kind: "PeerDiscovered", NodeID: peerNodeID, ALPN: alpn}})

	e.streamLoop(ctx, c)
}

func (e *Endpoint) streamLoop(ctx context.Context, c *conn) {
	reader := bufio.NewReader(c.netConn)
	for {
		payload, err := ReadFrame(reader)
		if err != nil {
			e.dropConn(c)
			e.events.Publish(eventbus.Event{Kind: eventbus.KindCustom, CustomType: "transport.connection_lost", Payload: Event{Kind: "ConnectionLost", NodeID: c.nodeID, ALPN: c.alpn}})
			return
		}

		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()

		e.mu.RLock()
		handler, ok := e.handlers[c.alpn]
		e.mu.RUnlock()
		if !ok {
			log.Printf("[transport] no handler registered for ALPN %s", c.alpn)
			continue
		}

		if err := handler.HandleFrame(ctx, c.nodeID, payload); err != nil {
			log.Printf("[transport] handler error for %s/%s: %v", c.nodeID, c.alpn, err)
		} else {
			e.events.Publish(eventbus.Event{Kind: eventbus.KindCustom, CustomType: "transport.message_received", Payload: Event{Kind: "MessageReceived", NodeID: c.nodeID, ALPN: c.alpn}})
		}
	}
}

func (e *Endpoint) dropConn(c *conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, connKey{c.nodeID, c.alpn})
}

// Dial establishes (or reuses) a connection to a peer for a given ALPN.
// When force_relay is set, addr is ignored in favor of the relay
// address.
func (e *Endpoint) Dial(ctx context.Context, nodeID, addr string, alpn ALPN, tlsConfig *tls.Config) error {
	e.mu.RLock()
	_, exists := e.conns[connKey{nodeID, alpn}]
	forceRelay := e.forceRelay
	relayAddr := e.relayAddr
	e.mu.RUnlock()
	if exists {
		return nil
	}

	dialAddr := addr
	if forceRelay {
		dialAddr = relayAddr
	}

	cfg := tlsConfig.Clone()
	cfg.NextProtos = []string{string(alpn)}

	dialer := &tls.Dialer{Config: cfg}
	netConn, err := dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return fmt.Errorf("dial %s (%s) via %s: %w", nodeID, alpn, dialAddr, err)
	}

	c := &conn{netConn: netConn, nodeID: nodeID, alpn: alpn, lastSeen: time.Now()}
	e.mu.Lock()
	e.conns[connKey{nodeID, alpn}] = c
	e.mu.Unlock()

	go e.streamLoop(ctx, c)
	return nil
}

// Send frames and writes a payload to an established connection.
func (e *Endpoint) Send(nodeID string, alpn ALPN, payload []byte) error {
	e.mu.RLock()
	c, ok := e.conns[connKey{nodeID, alpn}]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no connection to %s for %s", nodeID, alpn)
	}
	return c.Send(payload)
}

// ShouldInitiate applies the lexicographic tie-break rule: only
// the device whose node id sorts smaller initiates reconnection.
func ShouldInitiate(localNodeID, peerNodeID string) bool {
	ids := []string{localNodeID, peerNodeID}
	sort.Strings(ids)
	return ids[0] == localNodeID
}

// ReconnectPolicy is linear backoff, 5s x N, max 10 attempts.
type ReconnectPolicy struct {
	attempt int
}

func (r *ReconnectPolicy) NextDelay() (time.Duration, bool) {
	r.attempt++
	if r.attempt > 10 {
		return 0, false
	}
	return time.Duration(r.attempt) * 5 * time.Second, true
}

// HealthPinger sends a per-minute ping on messaging connections via a
// token-bucket rate limiter and marks a peer disconnected after 3
// consecutive failures.
type HealthPinger struct {
	limiter  *rate.Limiter
	failures map[string]int
	mu       sync.Mutex
}

func NewHealthPinger() *HealthPinger {
	return &HealthPinger{
		limiter:  rate.NewLimiter(rate.Every(time.Minute), 1),
		failures: make(map[string]int),
	}
}

// Ping attempts a health ping; returns true if the peer should be marked
// disconnected (3 consecutive failures reached).
func (h *HealthPinger) Ping(ctx context.Context, e *Endpoint, nodeID string) (disconnected bool) {
	if err := h.limiter.Wait(ctx); err != nil {
		return false
	}

	err := e.Send(nodeID, ALPNMessaging, []byte("ping"))

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.failures[nodeID]++
		if h.failures[nodeID] >= 3 {
			return true
		}
		return false
	}
	h.failures[nodeID] = 0
	return false
}

// Goodbye is sent best-effort to every connected device before shutdown.
type Goodbye struct {
	Reason    string
	Timestamp time.Time
}

// Shutdown sends a best-effort Goodbye to every connected peer, waits
// briefly, then tears down the endpoint.
func (e *Endpoint) Shutdown(reason string) error {
	e.mu.RLock()
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.RUnlock()

	for _, c := range conns {
		msg := fmt.Sprintf(`{"reason":%q,"timestamp":%q}`, reason, time.Now().Format(time.RFC3339))
		if err := c.Send([]byte(msg)); err != nil {
			log.Printf("[transport] best-effort goodbye to %s failed: %v", c.nodeID, err)
		}
	}

	time.Sleep(200 * time.Millisecond)

	var firstErr error
	for _, c := range conns {
		if err := c.netConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.listener != nil {
		if err := e.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
