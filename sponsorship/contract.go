package sponsorship

import (
	"context"
	"fmt"
	"math/big"

	"github.com/0xsequence/ethkit/ethcoder"
	"github.com/0xsequence/ethkit/go-ethereum"
	"github.com/0xsequence/ethkit/go-ethereum/common"
	"github.com/rotki/nftkit"
	"github.com/rotki/nftkit/ethproviders"
	"github.com/rotki/nftkit/multicall"
)

const (
	methodCurrentReleaseID = "currentReleaseId()"
	methodGetTierInfo      = "getTierInfo(uint256,uint256)"
	methodOwnerOf          = "ownerOf(uint256)"
	methodTokenURI         = "tokenURI(uint256)"
)

var tierInfoTypes = []string{"uint256", "uint256", "string"}

// contract binds the read methods of the sponsorship NFT.
type contract struct {
	address common.Address
}

func (c contract) call(ctx context.Context, caller ethproviders.Caller, methodSig string, outTypes []string, args ...any) ([]any, error) {
	data, err := ethcoder.ABIEncodeMethodCalldata(methodSig, args)
	if err != nil {
		return nil, nftkit.InvalidInput(methodSig, err)
	}
	ret, err := caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := ethcoder.ABIUnpackArguments(outTypes, ret)
	if err != nil {
		return nil, nftkit.Transient(methodSig, fmt.Errorf("decode: %w", err))
	}
	return out, nil
}

func (c contract) currentReleaseID(ctx context.Context, caller ethproviders.Caller) (uint64, error) {
	out, err := c.call(ctx, caller, methodCurrentReleaseID, []string{"uint256"})
	if err != nil {
		return 0, err
	}
	return toUint64(out[0])
}

func (c contract) tierInfo(ctx context.Context, caller ethproviders.Caller, releaseID, tierID uint64) (TierSupply, error) {
	out, err := c.call(ctx, caller, methodGetTierInfo, tierInfoTypes, new(big.Int).SetUint64(releaseID), new(big.Int).SetUint64(tierID))
	if err != nil {
		return TierSupply{}, err
	}
	return decodeTierInfo(out)
}

func (c contract) tierInfoCall(releaseID, tierID uint64) (multicall.Call, error) {
	return multicall.NewCall(c.address, true, methodGetTierInfo, new(big.Int).SetUint64(releaseID), new(big.Int).SetUint64(tierID))
}

func (c contract) tokenCalls(tokenID uint64) ([]multicall.Call, error) {
	id := new(big.Int).SetUint64(tokenID)
	owner, err := multicall.NewCall(c.address, true, methodOwnerOf, id)
	if err != nil {
		return nil, err
	}
	uri, err := multicall.NewCall(c.address, true, methodTokenURI, id)
	if err != nil {
		return nil, err
	}
	return []multicall.Call{owner, uri}, nil
}

func decodeTierInfo(out []any) (TierSupply, error) {
	if len(out) != 3 {
		return TierSupply{}, fmt.Errorf("getTierInfo: expected 3 values, got %d", len(out))
	}
	maxSupply, err := toUint64(out[0])
	if err != nil {
		return TierSupply{}, err
	}
	currentSupply, err := toUint64(out[1])
	if err != nil {
		return TierSupply{}, err
	}
	uri, ok := out[2].(string)
	if !ok {
		return TierSupply{}, fmt.Errorf("getTierInfo: metadataURI is %T", out[2])
	}
	return TierSupply{MaxSupply: maxSupply, CurrentSupply: currentSupply, MetadataURI: uri}, nil
}

func toUint64(v any) (uint64, error) {
	n, ok := v.(*big.Int)
	if !ok || n == nil {
		return 0, fmt.Errorf("expected uint256, got %T", v)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("uint256 %s overflows uint64", n)
	}
	return n.Uint64(), nil
}
