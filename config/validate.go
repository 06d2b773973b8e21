package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	if cfg.SubChainSync.Mode == "" {
		cfg.SubChainSync.Mode = SubChainSyncNone
	}
	switch cfg.SubChainSync.Mode {
	case SubChainSyncAll, SubChainSyncNone:
		cfg.SubChainSync.ChainIDs = nil
	case SubChainSyncList:
		if len(cfg.SubChainSync.ChainIDs) == 0 {
			return fmt.Errorf("subchain.sync=list requires at least one chain ID")
		}
	default:
		return fmt.Errorf("subchain.sync must be all, none, or list")
	}

	if err := validateChainIDs(cfg.SubChainSync.ChainIDs, "subchain.sync"); err != nil {
		return err
	}
	if len(cfg.SubChainMineIDs) > MaxSubChainMiners {
		return fmt.Errorf("subchain.mine has %d IDs, max is %d", len(cfg.SubChainMineIDs), MaxSubChainMiners)
	}
	if err := validateChainIDs(cfg.SubChainMineIDs, "subchain.mine"); err != nil {
		return err
	}

	if cfg.Execution.MinRingSize < 1 {
		return fmt.Errorf("execution.min_ring_size must be >= 1")
	}
	if cfg.Execution.MaxRingSize < cfg.Execution.MinRingSize {
		return fmt.Errorf("execution.max_ring_size must be >= execution.min_ring_size")
	}
	if cfg.Execution.MaxGasPerTx > cfg.Execution.MaxGasPerBlock {
		return fmt.Errorf("execution.max_gas_per_tx must be <= execution.max_gas_per_block")
	}
	if cfg.Execution.MaxUTXOAge != 0 && cfg.Execution.MaxUTXOAge < cfg.Execution.MinUTXOAge {
		return fmt.Errorf("execution.max_utxo_age must be >= execution.min_utxo_age")
	}
	if cfg.Settlement.ChallengePeriodBlocks < 0 {
		return fmt.Errorf("settlement.challenge_period_blocks must be >= 0")
	}
	if cfg.Settlement.BatchSize < 1 {
		return fmt.Errorf("settlement.batch_size must be >= 1")
	}

	return nil
}

func validateChainIDs(ids []string, field string) error {
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		s := strings.ToLower(strings.TrimSpace(id))
		if s == "" {
			return fmt.Errorf("%s[%d] is empty", field, i)
		}
		b, err := hex.DecodeString(s)
		if err != nil || len(b) != types.HashSize {
			return fmt.Errorf("%s[%d] must be 32-byte hex chain ID", field, i)
		}
		if _, ok := seen[s]; ok {
			return fmt.Errorf("%s has duplicate chain ID %q", field, s)
		}
		seen[s] = struct{}{}
		ids[i] = s
	}
	return nil
}
