package wal

import (
	"go.uber.org/zap"

	"github.com/lethe-kms/go-lethe/crypt"
)

// Config holds the cryptographic primitives and logger a journal runs with.
type Config struct {
	Crypter   crypt.Crypter
	IVG       crypt.IVGenerator
	NewHasher crypt.NewHasher
	NewKDF    crypt.NewKDF
	Log       *zap.Logger
}

// Option mutates a Config.
type Option func(any)

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

func WithLogger(log *zap.Logger) Option {
	return func(a any) {
		if cfg, ok := a.(*Config); ok {
			cfg.Log = log
		}
	}
}

func newConfig(opts []Option) Config {
	cfg := Config{
		Crypter:   crypt.Aes256Ctr{},
		IVG:       crypt.RandomIVGenerator{},
		NewHasher: crypt.NewBlake2b,
		NewKDF:    crypt.NewChaCha20,
		Log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
