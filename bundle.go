package profileauthz

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBundleSignature is returned when a bundle does not verify against the given key.
var ErrBundleSignature = errors.New("bundle signature mismatch")

// ErrStaleBundle is returned when a bundle predates the last one applied.
var ErrStaleBundle = errors.New("bundle older than last applied")

// PolicyBundle is a portable snapshot of an engine's roles and policies.
type PolicyBundle struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Roles       []RoleDefinition `json:"roles"`
	Policies    []*Policy        `json:"policies"`
}

// SignedPolicyBundle carries the JSON encoding of a PolicyBundle and its ed25519 signature.
type SignedPolicyBundle struct {
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
	KeyID     string `json:"key_id"`
}

// KeyID is a short fingerprint of pub.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Snapshot captures the registered roles and stored policies.
func (e *Engine) Snapshot() *PolicyBundle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b := &PolicyBundle{GeneratedAt: e.clock.Now()}
	for _, id := range e.roles.Roles() {
		if def, ok := e.roles.Definition(id); ok {
			b.Roles = append(b.Roles, def)
		}
	}
	b.Policies = e.policies.List()
	return b
}

func SignBundle(priv ed25519.PrivateKey, b *PolicyBundle) (*SignedPolicyBundle, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return &SignedPolicyBundle{
		Payload:   payload,
		Signature: ed25519.Sign(priv, payload),
		KeyID:     KeyID(priv.Public().(ed25519.PublicKey)),
	}, nil
}

// VerifyBundle checks the signature before decoding the payload.
func VerifyBundle(pub ed25519.PublicKey, sb *SignedPolicyBundle) (*PolicyBundle, error) {
	if sb == nil || len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, sb.Payload, sb.Signature) {
		return nil, ErrBundleSignature
	}
	var b PolicyBundle
	if err := json.Unmarshal(sb.Payload, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// ImportBundle verifies sb and replaces the engine's roles and policies with the bundle's in
// one step, removing those the bundle does not carry. Nothing is applied when the bundle fails
// verification or validation. A bundle older than the last applied one returns ErrStaleBundle.
func (e *Engine) ImportBundle(ctx context.Context, pub ed25519.PublicKey, sb *SignedPolicyBundle) error {
	b, err := VerifyBundle(pub, sb)
	if err != nil {
		e.logger.Error("rejected policy bundle", "key_id", sb.keyID(), "error", err.Error())
		return err
	}
	if err := e.apply(ctx, &Config{Roles: b.Roles, Policies: b.Policies}, true, b.GeneratedAt); err != nil {
		e.logger.Error("rejected policy bundle", "key_id", sb.KeyID, "error", err.Error())
		return fmt.Errorf("apply bundle %s: %w", sb.KeyID, err)
	}
	e.logger.Info("policy bundle applied", "key_id", sb.KeyID, "roles", len(b.Roles), "policies", len(b.Policies))
	return nil
}

func (sb *SignedPolicyBundle) keyID() string {
	if sb == nil {
		return ""
	}
	return sb.KeyID
}

type BundleSubscriber interface {
	OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	return f(ctx, pub, bundle)
}

// AsBundleSubscriber lets a replica engine receive bundles from a distributor.
func (e *Engine) AsBundleSubscriber() BundleSubscriber {
	return BundleSubscriberFunc(e.ImportBundle)
}

// BundleDistributor signs snapshots of a source engine and pushes them to subscribers.
type BundleDistributor struct {
	source      *Engine
	mu          sync.RWMutex
	priv        ed25519.PrivateKey
	pub         ed25519.PublicKey
	subscribers []BundleSubscriber
}

// NewBundleDistributor uses priv for signing, or a fresh key when priv is nil.
func NewBundleDistributor(source *Engine, priv ed25519.PrivateKey) (*BundleDistributor, error) {
	if source == nil {
		return nil, fmt.Errorf("source engine is required")
	}
	d := &BundleDistributor{source: source}
	if priv == nil {
		if err := d.RotateSigningKey(); err != nil {
			return nil, err
		}
		return d, nil
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	d.priv = append(ed25519.PrivateKey{}, priv...)
	d.pub = d.priv.Public().(ed25519.PublicKey)
	return d, nil
}

func (d *BundleDistributor) Subscribe(sub BundleSubscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *BundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	d.mu.Lock()
	d.priv, d.pub = priv, pub
	d.mu.Unlock()
	return nil
}

func (d *BundleDistributor) PublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

// Publish signs the current snapshot and delivers it to every subscriber. Subscriber
// failures do not stop delivery; they are joined into the returned error.
func (d *BundleDistributor) Publish(ctx context.Context) (*SignedPolicyBundle, error) {
	d.mu.RLock()
	priv, pub := d.priv, d.pub
	subs := append([]BundleSubscriber(nil), d.subscribers...)
	d.mu.RUnlock()

	sb, err := SignBundle(priv, d.source.Snapshot())
	if err != nil {
		return nil, err
	}
	var errs []error
	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			return sb, err
		}
		if err := sub.OnBundle(ctx, pub, sb); err != nil {
			d.source.logger.Error("bundle subscriber failed", "subscriber", i, "key_id", sb.KeyID, "error", err.Error())
			errs = append(errs, fmt.Errorf("subscriber %d: %w", i, err))
		}
	}
	return sb, errors.Join(errs...)
}
