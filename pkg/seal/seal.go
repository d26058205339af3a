// Package seal implements the gateway's cryptographic evidence of a
// decision: signing, TTL, one-time-use enforcement and independent
// verification.
//
// A Seal is issued for every validated manifest regardless of the policy
// decision — an evidentiary seal for a denial is signed exactly like an
// approval, it simply carries approved=false and no executor will honor
// it. The private signing key never leaves this package; verifiers work
// from the public key embedded in the seal itself so key rotation never
// invalidates seals issued under a previous key.
package seal

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/sealgate/authgate/pkg/canonicalize"
)

// DefaultTTL is the seal lifetime when the deployment does not override it.
const DefaultTTL = 5 * time.Minute

// Seal is the cryptographic evidence of a manifest decision.
type Seal struct {
	SealID        string     `json:"seal_id"`
	ManifestID    string     `json:"manifest_id"`
	Approved      bool       `json:"approved"`
	PolicyVersion string     `json:"policy_version"`
	DenialReason  string     `json:"denial_reason,omitempty"`
	Signature     string     `json:"signature"`  // base64-encoded
	PublicKey     string     `json:"public_key"` // base64-encoded
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	WasExecuted   bool       `json:"was_executed"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
}

// signedPayload is the exact field set the signature covers — it excludes
// SealID, PublicKey, and execution state, none of which are part of the
// decision being attested to.
type signedPayload struct {
	ManifestID    string `json:"manifest_id"`
	Approved      bool   `json:"approved"`
	PolicyVersion string `json:"policy_version"`
	IssuedAt      string `json:"issued_at"`
	ExpiresAt     string `json:"expires_at"`
	DenialReason  string `json:"denial_reason,omitempty"`
}

func (s *Seal) payload() signedPayload {
	return signedPayload{
		ManifestID:    s.ManifestID,
		Approved:      s.Approved,
		PolicyVersion: s.PolicyVersion,
		IssuedAt:      s.IssuedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:     s.ExpiresAt.UTC().Format(time.RFC3339Nano),
		DenialReason:  s.DenialReason,
	}
}

// Engine issues and verifies seals with a single Ed25519 signing key.
type Engine struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	ttl     time.Duration
	clock   func() time.Time
	store   ExecutionTracker
}

// ExecutionTracker reads and writes the one-time-use execution flag. The
// audit ledger implements this; execution state is the only mutable
// field set on a seal, and the store — not this engine — serializes
// concurrent mark-executed calls.
type ExecutionTracker interface {
	MarkExecuted(sealID string, at time.Time) (alreadyExecuted bool, executedAt time.Time, err error)
	ExecutionState(sealID string) (executed bool, executedAt time.Time, err error)
}

// NewEngine constructs a seal engine from an existing Ed25519 key pair.
// Key provisioning is out of band; callers load the private key from
// their secret store and pass it here.
func NewEngine(priv ed25519.PrivateKey, store ExecutionTracker, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		ttl:     ttl,
		clock:   time.Now,
		store:   store,
	}
}

// GenerateKey creates a fresh Ed25519 key pair for environments (tests,
// single-node dev) that do not provision one out of band.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: generate key: %w", err)
	}
	return priv, nil
}

// DeriveOrgKey deterministically derives an org-specific Ed25519 key from
// a single master seed using HKDF-SHA256, so a deployment can sign every
// org's seals under its own key without persisting one key per org. The
// master seed is the root Ed25519 private key's 32-byte seed; orgID is
// the HKDF info parameter, giving each org a unique, reproducible keypair.
func DeriveOrgKey(masterSeed []byte, orgID string) (ed25519.PrivateKey, error) {
	if orgID == "" {
		return nil, fmt.Errorf("seal: orgID must not be empty")
	}

	reader := hkdf.New(sha256.New, masterSeed, []byte("authgate-org-seal-kdf"), []byte(orgID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("seal: hkdf derivation: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// WithClock overrides the engine's clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// PublicKeyBase64 returns the engine's active public key, base64-encoded
// as it appears on the wire in every issued Seal.
func (e *Engine) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(e.pubKey)
}

// Issue signs and returns a new seal for a manifest decision. Issuance
// never fails on the decision itself: an approved=false decision still
// produces a fully valid, signed, evidentiary seal.
func (e *Engine) Issue(manifestID string, approved bool, policyVersion, denialReason string) (*Seal, error) {
	now := e.clock()
	s := &Seal{
		SealID:        uuid.New().String(),
		ManifestID:    manifestID,
		Approved:      approved,
		PolicyVersion: policyVersion,
		DenialReason:  denialReason,
		PublicKey:     e.PublicKeyBase64(),
		IssuedAt:      now,
		ExpiresAt:     now.Add(e.ttl),
	}

	payload, err := canonicalize.JCS(s.payload())
	if err != nil {
		return nil, fmt.Errorf("seal: canonicalize payload: %w", err)
	}

	sig := ed25519.Sign(e.privKey, payload)
	s.Signature = base64.StdEncoding.EncodeToString(sig)

	return s, nil
}

// VerifyResult is the outcome of an independent seal verification.
type VerifyResult struct {
	Valid           bool
	Approved        bool
	Expired         bool
	AlreadyExecuted bool
}

// Verify recomputes the canonical payload from the seal's stored fields,
// checks the Ed25519 signature against the embedded public key, checks
// expiry, and — if a tracker is configured — reads execution state. It
// never mutates anything; mark-executed is a separate operation.
func (e *Engine) Verify(s *Seal) (VerifyResult, error) {
	payload, err := canonicalize.JCS(s.payload())
	if err != nil {
		return VerifyResult{}, fmt.Errorf("seal: canonicalize payload: %w", err)
	}

	pubKeyBytes, err := base64.StdEncoding.DecodeString(s.PublicKey)
	if err != nil || len(pubKeyBytes) != ed25519.PublicKeySize {
		return VerifyResult{Valid: false}, nil
	}

	sigBytes, err := base64.StdEncoding.DecodeString(s.Signature)
	if err != nil {
		return VerifyResult{Valid: false}, nil
	}

	if !ed25519.Verify(ed25519.PublicKey(pubKeyBytes), payload, sigBytes) {
		return VerifyResult{Valid: false}, nil
	}

	result := VerifyResult{
		Valid:    true,
		Approved: s.Approved,
		Expired:  !e.clock().Before(s.ExpiresAt),
	}

	if e.store != nil {
		executed, _, err := e.store.ExecutionState(s.SealID)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("seal: execution state: %w", err)
		}
		result.AlreadyExecuted = executed
	} else {
		result.AlreadyExecuted = s.WasExecuted
	}

	return result, nil
}

// MarkExecutedOutcome is the result of a mark-executed attempt.
type MarkExecutedOutcome struct {
	MarkedExecuted  bool
	AlreadyExecuted bool
	ExecutedAt      time.Time
}

// MarkExecuted transitions a seal's execution state from (false, nil) to
// (true, now) exactly once. A second call observes the first caller's
// timestamp and reports AlreadyExecuted — it never errors, since replay
// is treated as an expected, idempotent outcome.
func (e *Engine) MarkExecuted(s *Seal) (MarkExecutedOutcome, error) {
	if e.store == nil {
		return MarkExecutedOutcome{}, fmt.Errorf("seal: no execution tracker configured")
	}

	now := e.clock()
	alreadyExecuted, executedAt, err := e.store.MarkExecuted(s.SealID, now)
	if err != nil {
		return MarkExecutedOutcome{}, fmt.Errorf("seal: mark executed: %w", err)
	}

	if alreadyExecuted {
		return MarkExecutedOutcome{AlreadyExecuted: true, ExecutedAt: executedAt}, nil
	}
	return MarkExecutedOutcome{MarkedExecuted: true, ExecutedAt: now}, nil
}
