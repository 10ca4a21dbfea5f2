package main

import (
	"fmt"
	"os"

	"archfs/internal/config"
	"archfs/internal/driver"
	"archfs/internal/drivers/agedriver"
	"archfs/internal/drivers/tardriver"
	"archfs/internal/drivers/zipdriver"
	"archfs/internal/iopool"
)

var codecs = map[string]tardriver.Codec{
	config.KindTar:    tardriver.None,
	config.KindTarGz:  tardriver.Gzip,
	config.KindTarZst: tardriver.Zstd,
	config.KindTarLZ4: tardriver.LZ4,
}

// newDriver returns the driver for dc and the suffixes it is detected by.
func newDriver(dc config.DriverConfig, pool iopool.Pool) (driver.Driver, []string, error) {
	if dc.Kind == config.KindZip {
		opts := []zipdriver.Option{zipdriver.WithPool(pool)}
		if dc.Level != 0 {
			opts = append(opts, zipdriver.WithLevel(dc.Level))
		}
		return zipdriver.New(opts...), suffixesOr(dc.Suffixes, ".zip"), nil
	}
	codec, ok := codecs[dc.Kind]
	if !ok {
		return nil, nil, fmt.Errorf("unknown driver kind %q", dc.Kind)
	}
	opts := []tardriver.Option{tardriver.WithPool(pool)}
	if dc.Level != 0 {
		opts = append(opts, tardriver.WithLevel(dc.Level))
	}
	return tardriver.New(codec, opts...), suffixesOr(dc.Suffixes, codec.Suffixes()...), nil
}

func suffixesOr(configured []string, conventional ...string) []string {
	if len(configured) > 0 {
		return configured
	}
	return conventional
}

// loadKeys returns the keys of encrypted archives, or nil if none are
// configured.
func loadKeys(ac config.AgeConfig) (agedriver.Keys, error) {
	if ac.IdentityFile != "" {
		logger.Debug("Loading age identities from %s", ac.IdentityFile)
		return agedriver.LoadIdentityFile(ac.IdentityFile)
	}
	if ac.PassphraseEnv == "" {
		return nil, nil
	}
	passphrase := os.Getenv(ac.PassphraseEnv)
	if passphrase == "" {
		return nil, nil
	}
	logger.Debug("Using age passphrase from $%s", ac.PassphraseEnv)
	return agedriver.Passphrase(passphrase, ac.WorkFactor)
}

// newRegistry registers every configured driver. Encrypted variants are
// detected by the driver's suffixes with ".age" appended, and only when
// keys are available.
func newRegistry(cfg *config.Config, pool iopool.Pool) (*driver.Registry, error) {
	keys, err := loadKeys(cfg.Age)
	if err != nil {
		return nil, fmt.Errorf("loading age keys: %w", err)
	}
	if keys == nil && cfg.Encrypted() {
		logger.Info("No age keys configured, encrypted archives are shown as files")
	}

	reg := driver.NewRegistry()
	for _, dc := range cfg.Drivers {
		d, suffixes, err := newDriver(dc, pool)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(d, suffixes...); err != nil {
			return nil, err
		}
		logger.Debug("Registered %s for %v", d.Scheme(), suffixes)

		if !dc.Encrypted || keys == nil {
			continue
		}
		sealed := make([]string, len(suffixes))
		for i, s := range suffixes {
			sealed[i] = s + agedriver.Suffix
		}
		ed := agedriver.New(d, keys)
		if err := reg.Register(ed, sealed...); err != nil {
			return nil, err
		}
		logger.Debug("Registered %s for %v", ed.Scheme(), sealed)
	}
	return reg, nil
}

// newPool returns the staging pool named by pc.
func newPool(pc config.PoolConfig) iopool.Pool {
	if pc.Kind == config.PoolFile {
		return iopool.TempFile(pc.TempDir)
	}
	return iopool.Memory()
}
