package maintenance

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var ErrVaultInsufficient = errors.New("vault: insufficient asset balance")

// Vault is an in-memory Treasury. It holds the protocol's per-asset balance
// and records what each external account has been sent.
type Vault struct {
	holdings map[string]*uint256.Int
	sent     map[string]map[string]*uint256.Int
}

func NewVault() *Vault {
	return &Vault{
		holdings: make(map[string]*uint256.Int),
		sent:     make(map[string]map[string]*uint256.Int),
	}
}

func (v *Vault) AssetBalance(asset string) *uint256.Int {
	if b, ok := v.holdings[asset]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// Pull takes exactly amount from an external account into the vault.
func (v *Vault) Pull(asset, _ string, amount *uint256.Int) error {
	b, ok := v.holdings[asset]
	if !ok {
		b = new(uint256.Int)
		v.holdings[asset] = b
	}
	b.Add(b, amount)
	return nil
}

// Transfer pushes amount out of the vault to an external account.
func (v *Vault) Transfer(asset, to string, amount *uint256.Int) error {
	b, ok := v.holdings[asset]
	if !ok || b.Lt(amount) {
		return fmt.Errorf("transfer %s %s to %s: %w", amount.Dec(), asset, to, ErrVaultInsufficient)
	}
	b.Sub(b, amount)

	out, ok := v.sent[asset]
	if !ok {
		out = make(map[string]*uint256.Int)
		v.sent[asset] = out
	}
	r, ok := out[to]
	if !ok {
		r = new(uint256.Int)
		out[to] = r
	}
	r.Add(r, amount)
	return nil
}

// Sent returns the total amount of asset transferred to account.
func (v *Vault) Sent(asset, account string) *uint256.Int {
	if r, ok := v.sent[asset][account]; ok {
		return new(uint256.Int).Set(r)
	}
	return new(uint256.Int)
}

// Drain removes amount from holdings without a recipient. Used to model
// liquidity that left through another facet.
func (v *Vault) Drain(asset string, amount *uint256.Int) error {
	b, ok := v.holdings[asset]
	if !ok || b.Lt(amount) {
		return fmt.Errorf("drain %s %s: %w", amount.Dec(), asset, ErrVaultInsufficient)
	}
	b.Sub(b, amount)
	return nil
}

// Balances returns a copy of the holdings per asset.
func (v *Vault) Balances() map[string]uint256.Int {
	out := make(map[string]uint256.Int, len(v.holdings))
	for asset, b := range v.holdings {
		out[asset] = *b
	}
	return out
}

// RestoreBalances replaces the holdings. Sent totals start empty.
func (v *Vault) RestoreBalances(balances map[string]uint256.Int) {
	v.holdings = make(map[string]*uint256.Int, len(balances))
	v.sent = make(map[string]map[string]*uint256.Int)
	for asset, b := range balances {
		v.holdings[asset] = new(uint256.Int).Set(&b)
	}
}
