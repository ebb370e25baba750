// Package pairing implements device identity and the BIP-39 pairing
// protocol: a deterministically-derived signing
// keypair per device, a 12-word mnemonic pairing code, the Idle ->
// ... -> Completed state machine, and its four message variants.
package pairing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// hkdfLabel domain-separates the device signing key derived from the
// device master key.
const hkdfLabel = "filedevice/device-identity/v1"

// Identity is a device's long-lived signing identity, deterministically
// derived from a device master key via HKDF.
type Identity struct {
	DeviceID  string
	PublicKey ed25519.PublicKey
	privKey   ed25519.PrivateKey
}

// DeriveIdentity derives a stable Ed25519 keypair from a 32-byte device
// master key using HKDF with a fixed domain-separation label, so the
// same master key always yields the same identity.
func DeriveIdentity(masterKey []byte) (*Identity, error) {
	if len(masterKey) < 16 {
		return nil, fmt.Errorf("device master key must be at least 16 bytes, got %d", len(masterKey))
	}

	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(hkdfLabel))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("derive signing seed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	return &Identity{
		DeviceID:  fmt.Sprintf("%x", sha256.Sum256(pub))[:32],
		PublicKey: pub,
		privKey:   priv,
	}, nil
}

// Sign signs a message with the device's long-lived private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.privKey, message)
}

// Signer exposes the device's private key as a crypto.Signer, for callers
// that need to embed it in something like a self-signed TLS certificate
// without handling the raw key bytes themselves.
func (id *Identity) Signer() crypto.Signer {
	return id.privKey
}

// Verify checks a signature against this identity's public key.
func (id *Identity) Verify(message, sig []byte) bool {
	return ed25519.Verify(id.PublicKey, message, sig)
}

// NetworkFingerprint is a compact (node-id, public-key-hash) pair usable
// as a rendezvous identifier.
type NetworkFingerprint struct {
	NodeID        string
	PublicKeyHash string
}

func (id *Identity) Fingerprint(nodeID string) NetworkFingerprint {
	hash := sha256.Sum256(id.PublicKey)
	return NetworkFingerprint{NodeID: nodeID, PublicKeyHash: fmt.Sprintf("%x", hash)}
}

// Code is a 12-word BIP-39 pairing code encoding 128 bits of entropy,
// optionally augmented with the initiator's node id for DHT discovery.
type Code struct {
	Mnemonic      string
	InitiatorNode string
	entropy       []byte
	ExpiresAt     time.Time
}

const pairingCodeTTL = 5 * time.Minute

// GenerateCode creates a fresh pairing code from 128 bits of
// cryptographically random entropy.
func GenerateCode(initiatorNode string) (*Code, error) {
	entropy := make([]byte, 16) // 128 bits
	if _, err := rand.Read(entropy); err != nil {
		return nil, fmt.Errorf("generate pairing entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("encode mnemonic: %w", err)
	}

	return &Code{
		Mnemonic:      mnemonic,
		InitiatorNode: initiatorNode,
		entropy:       entropy,
		ExpiresAt:     time.Now().Add(pairingCodeTTL),
	}, nil
}

// ParseCode decodes a 12-word mnemonic back into its 128-bit entropy.
func ParseCode(mnemonic string) (*Code, error) {
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("decode mnemonic: %w", err)
	}
	return &Code{Mnemonic: mnemonic, entropy: entropy, ExpiresAt: time.Now().Add(pairingCodeTTL)}, nil
}

// SessionID derives the 128-bit session id both sides must agree on: the
// first 16 bytes of the shared secret (the BIP-39-reversible portion),
// hashed to 16 bytes via SHA-256. This is the Open Question decision
// recorded in DESIGN.md: the 128-bit-entropy derivation path, not a
// 256-bit alternative.
func (c *Code) SessionID() [16]byte {
	sum := sha256.Sum256(c.entropy)
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

func (c *Code) Expired() bool {
	return time.Now().After(c.ExpiresAt)
}

// SharedSecret exposes the code's entropy for session-key derivation. Both
// sides of a pairing exchange call this with the same mnemonic and so
// arrive at the same bytes without ever sending them over the wire.
func (c *Code) SharedSecret() []byte {
	return c.entropy
}

// Stage is the pairing state machine's current position.
type Stage string

const (
	StageIdle                  Stage = "idle"
	StageGeneratingCode        Stage = "generating_code"
	StageBroadcasting          Stage = "broadcasting"
	StageScanning              Stage = "scanning"
	StageConnecting            Stage = "connecting"
	StageAuthenticating        Stage = "authenticating"
	StageChallengeReceived     Stage = "challenge_received"
	StageExchangingKeys        Stage = "exchanging_keys"
	StageAwaitingConfirmation  Stage = "awaiting_confirmation"
	StageEstablishingSession   Stage = "establishing_session"
	StageCompleted             Stage = "completed"
	StageFailed                Stage = "failed"
)

// Message variants.
type PairingRequest struct {
	SessionID [16]byte
	DeviceID  string
	DeviceName string
	PublicKey ed25519.PublicKey
}

type Challenge struct {
	SessionID     [16]byte
	ChallengeBytes [32]byte
	DeviceID      string
}

type Response struct {
	SessionID           [16]byte
	SignatureOverChallenge []byte
	DeviceInfo          string
}

type Complete struct {
	SessionID [16]byte
	Success   bool
	Reason    string
}

// sendLabel / receiveLabel domain-separate the two HKDF-derived session
// keys so that "send" on one side equals "receive" on the other.
const sendLabel = "filedevice/pairing/send"
const receiveLabel = "filedevice/pairing/receive"

// SessionKeys holds the two HKDF-derived directional keys.
type SessionKeys struct {
	SendKey    []byte
	ReceiveKey []byte
}

// deriveSessionKeys expands a shared secret of any length (the CLI passes
// the pairing code's 16-byte entropy) into send/receive keys. initiator controls which label maps to which direction so the
// two peers end up with send==receive crossed correctly.
func deriveSessionKeys(sharedSecret []byte, initiator bool) (*SessionKeys, error) {
	myLabel, peerLabel := sendLabel, receiveLabel
	if !initiator {
		myLabel, peerLabel = receiveLabel, sendLabel
	}

	derive := func(label string) ([]byte, error) {
		kdf := hkdf.New(sha256.New, sharedSecret, nil, []byte(label))
		key := make([]byte, 32)
		if _, err := io.ReadFull(kdf, key); err != nil {
			return nil, fmt.Errorf("derive session key %s: %w", label, err)
		}
		return key, nil
	}

	sendKey, err := derive(myLabel)
	if err != nil {
		return nil, err
	}
	recvKey, err := derive(peerLabel)
	if err != nil {
		return nil, err
	}
	return &SessionKeys{SendKey: sendKey, ReceiveKey: recvKey}, nil
}

// Session tracks one in-flight pairing attempt.
type Session struct {
	mu        sync.Mutex
	Stage     Stage
	SessionID [16]byte
	CreatedAt time.Time
	PeerID    *Identity
	keys      *SessionKeys
}

// NewSession starts a pairing attempt at Idle.
func NewSession(sessionID [16]byte) *Session {
	return &Session{Stage: StageIdle, SessionID: sessionID, CreatedAt: time.Now()}
}

func (s *Session) transition(to Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stage = to
}

// HandleChallenge signs the challenge with our identity and produces a
// Response message (joiner side).
func (s *Session) HandleChallenge(id *Identity, ch Challenge) Response {
	s.transition(StageChallengeReceived)
	sig := id.Sign(ch.ChallengeBytes[:])
	s.transition(StageExchangingKeys)
	return Response{SessionID: ch.SessionID, SignatureOverChallenge: sig, DeviceInfo: id.DeviceID}
}

// VerifyResponse checks the joiner's signature against their published
// public key (initiator side) and, on success, derives session keys from
// a shared secret and installs them.
func (s *Session) VerifyResponse(resp Response, joinerPublicKey ed25519.PublicKey, challenge [32]byte, sharedSecret []byte) error {
	if !ed25519.Verify(joinerPublicKey, challenge[:], resp.SignatureOverChallenge) {
		s.transition(StageFailed)
		return fmt.Errorf("pairing response signature verification failed")
	}

	keys, err := deriveSessionKeys(sharedSecret, true)
	if err != nil {
		s.transition(StageFailed)
		return err
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	s.transition(StageEstablishingSession)
	return nil
}

// InstallJoinerKeys derives and installs the joiner-side session keys
// once Complete is received.
func (s *Session) InstallJoinerKeys(sharedSecret []byte) error {
	keys, err := deriveSessionKeys(sharedSecret, false)
	if err != nil {
		s.transition(StageFailed)
		return err
	}
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

func (s *Session) Complete() {
	s.transition(StageCompleted)
}

func (s *Session) Fail(reason string) {
	log.Printf("[pairing] session %x failed: %s", s.SessionID, reason)
	s.transition(StageFailed)
}

func (s *Session) Keys() *SessionKeys {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys
}

func (s *Session) CurrentStage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Stage
}

// GenerateChallenge produces 32 random challenge bytes for the
// Authenticating step.
func GenerateChallenge() ([32]byte, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return b, fmt.Errorf("generate challenge: %w", err)
	}
	return b, nil
}

// SessionSweeper removes sessions older than the given max age; call
// periodically from a background goroutine.
type SessionSweeper struct {
	mu       sync.Mutex
	sessions map[[16]byte]*Session
	maxAge   time.Duration
}

func NewSessionSweeper(maxAge time.Duration) *SessionSweeper {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &SessionSweeper{sessions: make(map[[16]byte]*Session), maxAge: maxAge}
}

func (sw *SessionSweeper) Track(s *Session) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.sessions[s.SessionID] = s
}

func (sw *SessionSweeper) Get(id [16]byte) (*Session, bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	s, ok := sw.sessions[id]
	return s, ok
}

// Sweep removes expired sessions and returns how many were removed.
func (sw *SessionSweeper) Sweep() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, s := range sw.sessions {
		if now.Sub(s.CreatedAt) > sw.maxAge {
			delete(sw.sessions, id)
			removed++
		}
	}
	return removed
}

// Run starts a background sweep loop at the given interval until ctx-like
// stop channel is closed.
func (sw *SessionSweeper) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := sw.Sweep(); n > 0 {
				log.Printf("[pairing] swept %d expired sessions", n)
			}
		}
	}
}

// constantTimeEqual compares two byte slices without leaking timing
// information. Nothing in this module calls it.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
