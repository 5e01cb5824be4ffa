package app

import (
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"

	"fsy-go/internal/config"
	"fsy-go/internal/fsy"
)

// trustStoreFromConfig builds the trust store from [local] and the trustees.
func trustStoreFromConfig(cfg *config.Config) (*fsy.TrustStore, error) {
	id, err := fsy.ParseIdentity(cfg.Local.PublicKey, cfg.Local.SecretKey)
	if err != nil {
		return nil, err
	}
	trustees := make([]fsy.Trustee, 0, len(cfg.Trustees))
	for _, t := range cfg.Trustees {
		trustees = append(trustees, fsy.Trustee{
			Name:    t.Name,
			NodeID:  fsy.NodeID(strings.ToLower(strings.TrimSpace(t.NodeID))),
			Address: t.Address,
		})
	}
	return fsy.NewTrustStore(id, trustees)
}

// registryFromConfig builds the target group registry. A leading ~ in a
// path is expanded to the home directory.
func registryFromConfig(cfg *config.Config, trust *fsy.TrustStore) (*fsy.Registry, error) {
	groups := make([]fsy.TargetGroup, 0, len(cfg.TargetGroups))
	for _, g := range cfg.TargetGroups {
		path, err := homedir.Expand(g.Path)
		if err != nil {
			return nil, fmt.Errorf("target group %q: %v: %w", g.Name, err, fsy.ErrConfigInvalid)
		}
		group := fsy.TargetGroup{Name: g.Name, LocalPath: path}
		for _, t := range g.Targets {
			mode, err := fsy.ParseMode(t.Mode)
			if err != nil {
				return nil, fmt.Errorf("target group %q: %w", g.Name, err)
			}
			group.Targets = append(group.Targets, fsy.Target{Mode: mode, TrusteeName: t.TrusteeName})
		}
		groups = append(groups, group)
	}
	return fsy.NewRegistry(groups, trust)
}

func engineConfig(l config.LocalConfig) fsy.EngineConfig {
	ec := fsy.DefaultEngineConfig()
	ec.LoopInterval = l.LoopInterval()
	ec.PushInterval = l.PushInterval()
	ec.PullInterval = l.PullInterval()
	return ec
}
