package app

import (
	"errors"
	"fmt"
	"os"

	"fsy-go/internal/config"
	"fsy-go/internal/fsy"
)

// InitConfig generates a keypair and writes a default config to path. It
// fails if a config already exists there.
func InitConfig(path, baseDir string) (*config.Config, fsy.NodeID, error) {
	id, err := fsy.GenerateIdentity()
	if err != nil {
		return nil, "", err
	}
	cfg := config.NewConfig(id.EncodedPublicKey(), id.EncodedSecretKey(), baseDir)
	if err := config.Init(path, cfg); err != nil {
		return nil, "", err
	}
	return cfg, id.NodeID, nil
}

// LoadOrInitConfig reads the config at path, creating it first if it does
// not exist. created reports whether a new identity was generated.
func LoadOrInitConfig(path, baseDir string) (cfg *config.Config, created bool, err error) {
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		cfg, _, err := InitConfig(path, baseDir)
		if err != nil {
			return nil, false, fmt.Errorf("creating config: %w", err)
		}
		return cfg, true, nil
	}
	cfg, err = config.ReadFromFile(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// LocalNodeID derives the node id from the keys in cfg.
func LocalNodeID(cfg *config.Config) (fsy.NodeID, error) {
	id, err := fsy.ParseIdentity(cfg.Local.PublicKey, cfg.Local.SecretKey)
	if err != nil {
		return "", err
	}
	return id.NodeID, nil
}
