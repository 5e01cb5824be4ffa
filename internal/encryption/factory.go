package encryption

import (
	"fmt"

	"fsy-go/internal/config"
	"fsy-go/internal/fsy"
)

// NewSealerFromConfig creates a Sealer based on the configuration type.
func NewSealerFromConfig(cfg config.EncryptionConfig, id *fsy.NodeIdentity) (fsy.Sealer, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeSealer(id)
	case "test":
		return NewTestSealer(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
