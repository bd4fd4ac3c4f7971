package permgraph

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// RULE BUNDLE DISTRIBUTION
// ============================================================================

// BundleSubscriber receives signed rule bundles when the configuration
// changes. A typical subscriber verifies the bundle and calls
// Engine.ReloadRules with the decoded rule map.
type BundleSubscriber interface {
	OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedRuleBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, bundle *SignedRuleBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedRuleBundle) error {
	return f(ctx, pub, bundle)
}

// ConfigSource provides the current configuration on demand
type ConfigSource func(ctx context.Context) (*Config, error)

// RuleBundleDistributor signs the current config and pushes it to
// subscribers whenever a change is announced. The signing key rotates on a
// timer; subscribers always receive the key a bundle was signed with.
type RuleBundleDistributor struct {
	source           ConfigSource
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan struct{}
	stopCh           chan struct{}
	subscribers      []BundleSubscriber
	logger           Logger
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type RuleBundleDistributorOption func(*RuleBundleDistributor)

func WithBundleSigningKey(priv ed25519.PrivateKey) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if priv != nil && len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

func WithBundleRotationInterval(interval time.Duration) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

func WithBundleLogger(l Logger) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) { d.logger = l }
}

func NewRuleBundleDistributor(source ConfigSource, opts ...RuleBundleDistributorOption) (*RuleBundleDistributor, error) {
	if source == nil {
		return nil, fmt.Errorf("config source is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &RuleBundleDistributor{
		source:           source,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *RuleBundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-d.notifyCh:
				if err := d.distribute(ctx); err != nil {
					d.logError("bundle distribution failed", "error", err.Error())
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					d.logError("bundle key rotation failed", "error", err.Error())
				}
			}
		}
	}()
}

func (d *RuleBundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyRuleChange queues a distribution run. Coalesces bursts: while one
// notification is pending, further calls are no-ops.
func (d *RuleBundleDistributor) NotifyRuleChange() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *RuleBundleDistributor) RegisterSubscriber(sub BundleSubscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *RuleBundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	return nil
}

func (d *RuleBundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

func (d *RuleBundleDistributor) distribute(ctx context.Context) error {
	cfg, err := d.source(ctx)
	if err != nil {
		return err
	}
	// capture both halves under one lock so a concurrent rotation cannot
	// pair the bundle with a key it was not signed with
	d.mu.RLock()
	priv := d.priv
	pub := append(ed25519.PublicKey(nil), d.pub...)
	d.mu.RUnlock()
	bundle, err := SignRuleBundle(priv, cfg)
	if err != nil {
		return err
	}
	if bundle.Meta == nil {
		bundle.Meta = map[string]any{}
	}
	bundle.Meta["generated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	bundle.Meta["signing_key"] = base64.StdEncoding.EncodeToString(pub)

	for _, sub := range d.collectSubscribers() {
		if err := sub.OnBundle(ctx, pub, bundle); err != nil {
			d.logError("bundle subscriber error", "error", err.Error())
		}
	}
	return nil
}

func (d *RuleBundleDistributor) collectSubscribers() []BundleSubscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	subs := make([]BundleSubscriber, len(d.subscribers))
	copy(subs, d.subscribers)
	return subs
}

func (d *RuleBundleDistributor) logError(msg string, keyvals ...any) {
	if d.logger != nil {
		d.logger.Error(msg, keyvals...)
	}
}
