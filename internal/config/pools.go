package config

import (
	"errors"
	"fmt"
	"strings"

	"EqualisLedger/internal/ledger"

	"github.com/BurntSushi/toml"
)

// PoolConfig is one [[pool]] table of the pools file.
type PoolConfig struct {
	ID                 uint32 `toml:"id"`
	Underlying         string `toml:"underlying"`
	MaintenanceRateBps uint64 `toml:"maintenance_rate_bps"`
	FeeReceiver        string `toml:"fee_receiver"`
}

type poolsFile struct {
	Pools []PoolConfig `toml:"pool"`
}

// LoadPools reads and validates a pools file. Unknown keys are rejected.
func LoadPools(path string) ([]ledger.PoolParams, error) {
	var f poolsFile
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("pools file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("pools file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return ValidatePools(f.Pools)
}

// ValidatePools converts pool configs to kernel parameters.
func ValidatePools(pools []PoolConfig) ([]ledger.PoolParams, error) {
	if len(pools) == 0 {
		return nil, errors.New("no pools configured")
	}
	seen := make(map[uint32]bool, len(pools))
	out := make([]ledger.PoolParams, 0, len(pools))
	for _, p := range pools {
		switch {
		case p.ID == 0:
			return nil, errors.New("pool id 0 is reserved")
		case seen[p.ID]:
			return nil, fmt.Errorf("pool %d: duplicate id", p.ID)
		case strings.TrimSpace(p.Underlying) == "":
			return nil, fmt.Errorf("pool %d: underlying is required", p.ID)
		case p.MaintenanceRateBps > 10_000:
			return nil, fmt.Errorf("pool %d: maintenance_rate_bps %d exceeds 10000", p.ID, p.MaintenanceRateBps)
		case p.MaintenanceRateBps > 0 && p.FeeReceiver == "":
			return nil, fmt.Errorf("pool %d: fee_receiver is required with a maintenance rate", p.ID)
		}
		seen[p.ID] = true
		out = append(out, ledger.PoolParams{
			ID:                 ledger.PoolID(p.ID),
			Underlying:         p.Underlying,
			MaintenanceRateBps: p.MaintenanceRateBps,
			FeeReceiver:        p.FeeReceiver,
		})
	}
	return out, nil
}
