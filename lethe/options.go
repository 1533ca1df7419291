package lethe

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lethe-kms/go-lethe/crypt"
)

// Config collects the tunables accepted by Open.
type Config struct {
	Fanouts      []uint64
	Fragmented   bool
	CacheLimit   int
	ImplicitBind bool
	Instance     uuid.UUID
	Logger       *zap.Logger
	Crypter      crypt.Crypter
	IVG          crypt.IVGenerator
	NewHasher    crypt.NewHasher
	NewKDF       crypt.NewKDF
	KeyGen       crypt.KeyGenerator
}

// Option mutates a Config.
type Option func(any)

// WithFanouts sets the forest's per-level fanout list for a fresh instance.
// A restored instance keeps the fanouts it was created with.
func WithFanouts(fanouts []uint64) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.Fanouts = fanouts
		}
	}
}

// WithFragmented selects leaf-level re-rooting for a fresh instance.
func WithFragmented(fragmented bool) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.Fragmented = fragmented
		}
	}
}

// WithCacheLimit bounds each derivation cache to limit bytes.
func WithCacheLimit(limit int) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.CacheLimit = limit
		}
	}
}

// WithImplicitBind controls whether Derive creates a binding for an unseen
// id. Disabled, Derive of an unbound id returns ErrNonExistentKey.
func WithImplicitBind(implicit bool) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.ImplicitBind = implicit
		}
	}
}

// WithInstance requires the persisted state to belong to the given
// instance; Open fails with ErrWrongInstance otherwise.
func WithInstance(instance uuid.UUID) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.Instance = instance
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.Logger = log
		}
	}
}

func WithCrypter(c crypt.Crypter) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.Crypter = c
		}
	}
}

func WithIVGenerator(ivg crypt.IVGenerator) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.IVG = ivg
		}
	}
}

func WithHasher(nh crypt.NewHasher) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.NewHasher = nh
		}
	}
}

func WithKDF(nk crypt.NewKDF) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.NewKDF = nk
		}
	}
}

// WithKeyGenerator substitutes the source of fresh root material. Anything
// but the CSPRNG default belongs in tests.
func WithKeyGenerator(kg crypt.KeyGenerator) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.KeyGen = kg
		}
	}
}

func newConfig(opts ...Option) Config {
	cfg := Config{
		CacheLimit:   DefaultKeyCacheLimit,
		ImplicitBind: true,
		Logger:       zap.NewNop(),
		Crypter:      crypt.Aes256Ctr{},
		IVG:          crypt.RandomIVGenerator{},
		NewHasher:    crypt.NewBlake2b,
		NewKDF:       crypt.NewChaCha20,
		KeyGen:       crypt.RandomKeyGenerator{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
