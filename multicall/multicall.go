// Package multicall batches independent contract reads into one eth_call
// through the Multicall3 aggregator.
package multicall

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/0xsequence/ethkit/ethcoder"
	"github.com/0xsequence/ethkit/go-ethereum"
	"github.com/0xsequence/ethkit/go-ethereum/accounts/abi"
	"github.com/0xsequence/ethkit/go-ethereum/common"
	"github.com/rotki/nftkit"
)

// DefaultAddress is the Multicall3 deployment shared by every supported
// chain.
var DefaultAddress = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

const aggregate3ABI = `[{
	"name": "aggregate3",
	"type": "function",
	"stateMutability": "payable",
	"inputs": [{
		"name": "calls",
		"type": "tuple[]",
		"components": [
			{"name": "target", "type": "address"},
			{"name": "allowFailure", "type": "bool"},
			{"name": "callData", "type": "bytes"}
		]
	}],
	"outputs": [{
		"name": "returnData",
		"type": "tuple[]",
		"components": [
			{"name": "success", "type": "bool"},
			{"name": "returnData", "type": "bytes"}
		]
	}]
}]`

// ABI is the parsed aggregate3 interface.
var ABI abi.ABI

func init() {
	var err error
	ABI, err = abi.JSON(strings.NewReader(aggregate3ABI))
	if err != nil {
		panic(fmt.Errorf("multicall: parse aggregate3 abi: %w", err))
	}
}

type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNum *big.Int) ([]byte, error)
}

type Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type Result struct {
	Success    bool
	ReturnData []byte
}

// Decode unpacks the slot's return data as the given abi types, ie.
// Decode("uint256", "string").
func (r Result) Decode(argTypes ...string) ([]any, error) {
	if !r.Success {
		return nil, fmt.Errorf("multicall: decode of failed call")
	}
	return ethcoder.ABIUnpackArguments(argTypes, r.ReturnData)
}

type Options struct {
	Address  common.Address
	BlockNum *big.Int
}

// NewCall encodes methodSig with args, ie.
// NewCall(addr, true, "getTierInfo(uint256,uint256)", release, tier).
func NewCall(target common.Address, allowFailure bool, methodSig string, args ...any) (Call, error) {
	data, err := ethcoder.ABIEncodeMethodCalldata(methodSig, args)
	if err != nil {
		return Call{}, nftkit.InvalidInput("multicall.encode", fmt.Errorf("%s: %w", methodSig, err))
	}
	return Call{Target: target, AllowFailure: allowFailure, CallData: data}, nil
}

// Aggregate executes calls in a single read-only eth_call and returns one
// result per call, in input order. Per call failures surface as
// Result.Success=false when AllowFailure is set; any failure of the call
// itself fails the whole batch.
func Aggregate(ctx context.Context, caller Caller, calls []Call, options ...Options) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	opts := Options{Address: DefaultAddress}
	if len(options) > 0 {
		if options[0].Address != (common.Address{}) {
			opts.Address = options[0].Address
		}
		opts.BlockNum = options[0].BlockNum
	}

	callData, err := ABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, nftkit.InvalidInput("multicall.pack", fmt.Errorf("unable to encode aggregate3 call: %w", err))
	}

	returnData, err := caller.CallContract(ctx, ethereum.CallMsg{
		To:   &opts.Address,
		Data: callData,
	}, opts.BlockNum)
	if err != nil {
		return nil, fmt.Errorf("unable to eth_call multicall contract %v: %w", opts.Address, err)
	}

	var results []Result
	if err := ABI.UnpackIntoInterface(&results, "aggregate3", returnData); err != nil {
		return nil, nftkit.Transient("multicall.unpack", fmt.Errorf("unable to decode aggregate3 return data: %w", err))
	}
	if len(results) != len(calls) {
		return nil, nftkit.Errorf(nftkit.KindTransient, "multicall", "%v results for %v calls", len(results), len(calls))
	}
	return results, nil
}
