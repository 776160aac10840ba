package dataveil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is one immutable token vault record: a field identity, the
// one-way fingerprint of an original value, and the masked value bound
// to it. The vault never stores the plaintext original.
type Entry struct {
	Field       FieldIdentity
	Fingerprint string
	Masked      string
	CreatedAt   time.Time
}

// VaultStore is the persistence contract of the token vault. Insert
// must be atomic per entry and must enforce uniqueness of both
// (field, fingerprint) and (field, masked value), reporting conflicts
// with ErrFingerprintExists and ErrMaskedValueTaken respectively so
// the vault can resolve races and output collisions.
type VaultStore interface {
	Lookup(ctx context.Context, field FieldIdentity, fingerprint string) (masked string, ok bool, err error)
	Insert(ctx context.Context, entry Entry) error
	Close() error
}

// Generator produces candidate masked values for the vault to pin.
// Strategy satisfies it.
type Generator interface {
	Name() string
	Generate(value string, attempt int) (string, error)
}

// VaultOption configures a Vault.
type VaultOption func(*Vault)

// WithTimeout bounds each backing store call. Expiry surfaces as
// ErrVaultUnavailable rather than hanging a worker.
func WithTimeout(d time.Duration) VaultOption {
	return func(v *Vault) { v.timeout = d }
}

// WithMaxAttempts bounds collision disambiguation retries.
func WithMaxAttempts(n int) VaultOption {
	return func(v *Vault) { v.maxAttempts = n }
}

// Vault maps (field, original value) pairs to stable masked values.
// It is the single consistency point of the engine: the same original
// always resolves to the same masked value across calls, workers and
// process restarts, for as long as the backing store persists.
type Vault struct {
	store       VaultStore
	secret      []byte
	timeout     time.Duration
	maxAttempts int
	group       singleflight.Group
}

// NewVault wraps a VaultStore. secret is folded into every fingerprint
// so fingerprints cannot be recomputed without it; it must stay the
// same across runs for determinism to hold.
func NewVault(store VaultStore, secret []byte, opts ...VaultOption) *Vault {
	v := &Vault{
		store:       store,
		secret:      secret,
		timeout:     5 * time.Second,
		maxAttempts: 16,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Fingerprint computes the one-way lookup key for an original value:
// a hex SHA-256 over the vault secret, the per-field salt, the field
// key and the value. It never reveals the value and doubles as the
// audit correlation id.
func (v *Vault) Fingerprint(field FieldIdentity, salt, value string) string {
	h := sha256.New()
	h.Write(v.secret)
	h.Write([]byte{0})
	io.WriteString(h, salt)
	h.Write([]byte{0})
	io.WriteString(h, field.Key())
	h.Write([]byte{0})
	io.WriteString(h, value)
	return hex.EncodeToString(h.Sum(nil))
}

// LookupOrCreate returns the masked value pinned for (field, value),
// generating and persisting one on first encounter. Concurrent calls
// for the same key are collapsed in-process; cross-process races are
// resolved by the store's atomic insert, the losing writer reading
// back the winner's value. Committed entries are never rolled back.
func (v *Vault) LookupOrCreate(ctx context.Context, field FieldIdentity, salt, value string, gen Generator) (string, error) {
	fingerprint := v.Fingerprint(field, salt, value)
	masked, err, _ := v.group.Do(field.Key()+"\x00"+fingerprint, func() (any, error) {
		return v.lookupOrCreate(ctx, field, fingerprint, value, gen)
	})
	if err != nil {
		return "", err
	}
	return masked.(string), nil
}

func (v *Vault) lookupOrCreate(ctx context.Context, field FieldIdentity, fingerprint, value string, gen Generator) (string, error) {
	masked, ok, err := v.lookup(ctx, field, fingerprint)
	if err != nil {
		return "", err
	}
	if ok {
		return masked, nil
	}

	for attempt := 0; attempt < v.maxAttempts; attempt++ {
		candidate, err := gen.Generate(value, attempt)
		if err != nil {
			return "", &StrategyError{Strategy: gen.Name(), Reason: "generation failed", Err: err}
		}
		err = v.insert(ctx, Entry{
			Field:       field,
			Fingerprint: fingerprint,
			Masked:      candidate,
			CreatedAt:   time.Now().UTC(),
		})
		switch {
		case err == nil:
			return candidate, nil
		case isFingerprintExists(err):
			// a concurrent writer won; use its value
			masked, ok, err = v.lookup(ctx, field, fingerprint)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", fmt.Errorf("%w: entry for %s vanished after insert conflict", ErrVaultUnavailable, field)
			}
			return masked, nil
		case isMaskedValueTaken(err):
			// output collision with a different original; regenerate
			continue
		default:
			return "", err
		}
	}
	return "", &StrategyError{
		Strategy: gen.Name(),
		Reason:   fmt.Sprintf("no collision-free masked value for %s after %d attempts", field, v.maxAttempts),
	}
}

func (v *Vault) lookup(ctx context.Context, field FieldIdentity, fingerprint string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	masked, ok, err := v.store.Lookup(ctx, field, fingerprint)
	if err != nil {
		return "", false, fmt.Errorf("%w: lookup %s: %v", ErrVaultUnavailable, field, err)
	}
	return masked, ok, nil
}

func (v *Vault) insert(ctx context.Context, entry Entry) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	err := v.store.Insert(ctx, entry)
	if err == nil || isFingerprintExists(err) || isMaskedValueTaken(err) {
		return err
	}
	return fmt.Errorf("%w: insert %s: %v", ErrVaultUnavailable, entry.Field, err)
}

// Close closes the backing store.
func (v *Vault) Close() error {
	return v.store.Close()
}

func isFingerprintExists(err error) bool { return errors.Is(err, ErrFingerprintExists) }
func isMaskedValueTaken(err error) bool  { return errors.Is(err, ErrMaskedValueTaken) }
