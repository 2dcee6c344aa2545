// Package evm implements the chain adapter for EVM networks (Ethereum,
// BSC and the Base58-addressed TRX variant): WebSocket subscriptions with
// HTTP fallback, ERC-20/721 Transfer decoding and native value scanning.
package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mirador/chainwatch/internal/model"
)

// TransferTopic is keccak-256 of Transfer(address,address,uint256),
// shared by ERC-20 and ERC-721.
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// mintTopics are event signatures treated as mints regardless of the
// zero-address heuristic (Uniswap V2 Mint, WETH Deposit).
var mintTopics = map[common.Hash]struct{}{
	common.HexToHash("0x4c209b5fc8ad50758f13e2e1088ba56a560dff690a1c6fef26394f4c03821c4f"): {},
	common.HexToHash("0xe1fffcc4923d04b559f4d29a8bfc6cda04eb5b0d3c460751c2402c5c5cc9109c"): {},
}

var zeroAddress = common.Address{}

// DecodeTransferLog turns a Transfer log into a canonical event. ERC-721
// is distinguished by empty data and the token id in topic 3. Mints are
// transfers from the zero address.
func DecodeTransferLog(chain model.ChainKind, log *types.Log) (model.CanonicalEvent, error) {
	if len(log.Topics) < 3 {
		return model.CanonicalEvent{}, fmt.Errorf("%w: transfer log with %d topics", model.ErrProtocol, len(log.Topics))
	}
	if log.Topics[0] != TransferTopic {
		return model.CanonicalEvent{}, fmt.Errorf("%w: topic0 %s is not a transfer", model.ErrProtocol, log.Topics[0])
	}

	from := common.BytesToAddress(log.Topics[1].Bytes()[12:])
	to := common.BytesToAddress(log.Topics[2].Bytes()[12:])
	contract := log.Address.Hex()

	isNFT := len(log.Data) == 0 && len(log.Topics) == 4
	isMint := from == zeroAddress

	evt := model.CanonicalEvent{
		ID:          model.EventID(chain, log.TxHash.Hex(), uint(log.Index)),
		Chain:       chain,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
	}

	switch {
	case isNFT && isMint:
		evt.Kind = model.EventNFTMint
		evt.Data = model.EventData{
			To:              to.Hex(),
			ContractAddress: contract,
			TokenID:         new(big.Int).SetBytes(log.Topics[3].Bytes()).String(),
		}
	case isNFT:
		evt.Kind = model.EventNFTTransfer
		evt.Data = model.EventData{
			From:            from.Hex(),
			To:              to.Hex(),
			ContractAddress: contract,
			TokenID:         new(big.Int).SetBytes(log.Topics[3].Bytes()).String(),
		}
	case isMint:
		evt.Kind = model.EventTokenMint
		evt.Data = model.EventData{
			To:           to.Hex(),
			Amount:       new(big.Int).SetBytes(log.Data).String(),
			TokenAddress: contract,
		}
	case to == zeroAddress:
		evt.Kind = model.EventTokenBurn
		evt.Data = model.EventData{
			From:         from.Hex(),
			Amount:       new(big.Int).SetBytes(log.Data).String(),
			TokenAddress: contract,
		}
	default:
		evt.Kind = model.EventTransfer
		evt.Data = model.EventData{
			From:         from.Hex(),
			To:           to.Hex(),
			Amount:       new(big.Int).SetBytes(log.Data).String(),
			TokenAddress: contract,
		}
	}
	return evt, nil
}

// EncodeTransferLog is the inverse of DecodeTransferLog for fungible
// transfers, used to verify decode round-trips.
func EncodeTransferLog(contract common.Address, from, to common.Address, amount *big.Int) types.Log {
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

// DecodeMintLog turns a known mint-signature log into a low-detail
// token_mint event: recipient from topic 1 when present, amount from the
// first data word when present.
func DecodeMintLog(chain model.ChainKind, log *types.Log) (model.CanonicalEvent, error) {
	if len(log.Topics) == 0 {
		return model.CanonicalEvent{}, fmt.Errorf("%w: log without topics", model.ErrProtocol)
	}
	if _, ok := mintTopics[log.Topics[0]]; !ok {
		return model.CanonicalEvent{}, fmt.Errorf("%w: topic0 %s is not a known mint signature", model.ErrProtocol, log.Topics[0])
	}

	evt := model.CanonicalEvent{
		ID:          model.EventID(chain, log.TxHash.Hex(), uint(log.Index)),
		Chain:       chain,
		Kind:        model.EventTokenMint,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		Data: model.EventData{
			TokenAddress: log.Address.Hex(),
		},
	}
	if len(log.Topics) > 1 {
		evt.Data.To = common.BytesToAddress(log.Topics[1].Bytes()[12:]).Hex()
	}
	if len(log.Data) >= 32 {
		evt.Data.Amount = new(big.Int).SetBytes(log.Data[:32]).String()
	}
	return evt, nil
}

// IsMintLog reports whether a log should be treated as a mint: a transfer
// from the zero address or a known mint signature.
func IsMintLog(log *types.Log) bool {
	if len(log.Topics) == 0 {
		return false
	}
	if _, ok := mintTopics[log.Topics[0]]; ok {
		return true
	}
	if log.Topics[0] == TransferTopic && len(log.Topics) >= 2 {
		return common.BytesToAddress(log.Topics[1].Bytes()[12:]) == zeroAddress
	}
	return false
}
