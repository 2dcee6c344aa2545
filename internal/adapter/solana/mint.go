package solana

import (
	"context"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mirador/chainwatch/internal/model"
)

// MintInfo is the cached view of an SPL mint account.
type MintInfo struct {
	Supply   uint64
	Decimals uint8
}

// mintCache remembers the last observed supply per mint so an account
// change can be diffed into a mint amount.
type mintCache struct {
	mu    sync.Mutex
	mints map[string]MintInfo
}

func newMintCache() *mintCache {
	return &mintCache{mints: make(map[string]MintInfo)}
}

// Diff records info for address and returns the supply increase since
// the previous observation. The first observation seeds the cache and
// reports no increase, as does a supply decrease.
func (c *mintCache) Diff(address string, info MintInfo) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, seen := c.mints[address]
	c.mints[address] = info
	if !seen || info.Supply <= prev.Supply {
		return 0, false
	}
	return info.Supply - prev.Supply, true
}

func (c *mintCache) Forget(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mints, address)
}

// decodeMint parses the borsh-layout mint account data.
func decodeMint(data []byte) (MintInfo, error) {
	var mint token.Mint
	if err := bin.NewBinDecoder(data).Decode(&mint); err != nil {
		return MintInfo{}, fmt.Errorf("%w: mint account layout: %v", model.ErrProtocol, err)
	}
	return MintInfo{Supply: mint.Supply, Decimals: mint.Decimals}, nil
}

// fetchMint reads the mint account, accepting both the canonical SPL
// token program and Token-2022 as owners.
func (a *Adapter) fetchMint(ctx context.Context, address solana.PublicKey) (MintInfo, error) {
	res, err := a.rpcClient.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: a.commitment,
	})
	if err != nil {
		return MintInfo{}, fmt.Errorf("%w: get account %s: %v", model.ErrTransport, address, err)
	}
	if res.Value == nil {
		return MintInfo{}, fmt.Errorf("%w: account %s not found", model.ErrProtocol, address)
	}
	owner := res.Value.Owner
	if !owner.Equals(solana.TokenProgramID) && !owner.Equals(solana.Token2022ProgramID) {
		return MintInfo{}, fmt.Errorf("%w: account %s owned by %s, not a token program", model.ErrProtocol, address, owner)
	}
	return decodeMint(res.Value.Data.GetBinary())
}
