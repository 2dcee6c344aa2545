package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mirador/chainwatch/internal/model"
)

// runHeadLoop drives the tip and per-block processing. With a WebSocket
// it subscribes to new heads and runs a live Transfer log subscription
// alongside; without one it polls. A dropped subscription degrades to
// polling for the rest of the monitoring session.
func (a *Adapter) runHeadLoop(ctx context.Context) {
	if a.client.HasWebsocket() {
		a.monWG.Add(1)
		go func() {
			defer a.monWG.Done()
			a.runLogSubscription(ctx)
		}()
		if err := a.subscribeHeads(ctx); err == nil || ctx.Err() != nil {
			return
		}
		a.RecordReconnect()
	}
	a.pollHeads(ctx)
}

func (a *Adapter) subscribeHeads(ctx context.Context) error {
	headers := make(chan *types.Header, 64)
	sub, err := a.client.SubscribeNewHead(ctx, headers)
	if err != nil {
		a.EmitError(fmt.Errorf("%w: subscribe heads: %v", model.ErrTransport, err))
		return err
	}
	defer sub.Unsubscribe()
	a.Logger().Info("subscribed to new heads")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			a.EmitError(fmt.Errorf("%w: head subscription dropped: %v", model.ErrTransport, err))
			return err
		case header := <-headers:
			a.handleBlock(ctx, header.Number.Uint64(), false)
		}
	}
}

func (a *Adapter) pollHeads(ctx context.Context) {
	a.Logger().Info("polling for new blocks", "interval", a.pollInterval)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	last := a.CurrentBlockNumber()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tip, err := a.client.BlockNumber(ctx)
			if err != nil {
				a.EmitError(fmt.Errorf("%w: poll tip: %v", model.ErrTransport, err))
				continue
			}
			for n := last + 1; n <= tip; n++ {
				a.handleBlock(ctx, n, true)
			}
			if tip > last {
				last = tip
			}
		}
	}
}

// handleBlock advances the tip and processes block n: native transfer
// scan when address targets exist, and a per-block Transfer log fetch
// when polling (the live subscription covers logs in WebSocket mode).
func (a *Adapter) handleBlock(ctx context.Context, n uint64, fetchLogs bool) {
	if n > a.CurrentBlockNumber() {
		a.SetBlockNumber(n)
	}
	a.TouchHeartbeat()

	if a.wantsAddressEvents() {
		if err := a.scanNativeTransfers(ctx, n); err != nil {
			a.EmitError(fmt.Errorf("%w: native scan of block %d: %v", model.ErrTransport, n, err))
		}
	}
	if fetchLogs {
		if err := a.fetchTransferLogs(ctx, n); err != nil {
			a.EmitError(fmt.Errorf("%w: logs of block %d: %v", model.ErrTransport, n, err))
		}
	}
}

// transferQuery builds the log filter: topic 0 matches the Transfer
// signature or one of the known mint signatures. Contract targets narrow
// the address list; a registered address target widens the query so
// transfers touching it in topics 1 or 2 are seen.
func (a *Adapter) transferQuery(from, to *big.Int) ethereum.FilterQuery {
	topic0 := []common.Hash{TransferTopic}
	for topic := range mintTopics {
		topic0 = append(topic0, topic)
	}
	query := ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Topics:    [][]common.Hash{topic0},
	}
	if !a.wantsAddressEvents() {
		query.Addresses = a.watchedContracts()
	}
	return query
}

func (a *Adapter) fetchTransferLogs(ctx context.Context, n uint64) error {
	block := new(big.Int).SetUint64(n)
	logs, err := a.client.FilterLogs(ctx, a.transferQuery(block, block))
	if err != nil {
		return err
	}
	for i := range logs {
		a.emitTransferLog(&logs[i])
	}
	return nil
}

// runLogSubscription keeps a live Transfer subscription open and
// re-wires it whenever the target set changes.
func (a *Adapter) runLogSubscription(ctx context.Context) {
	for ctx.Err() == nil {
		if err := a.subscribeLogsOnce(ctx); err != nil && ctx.Err() == nil {
			a.RecordReconnect()
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.pollInterval):
			}
		}
	}
}

func (a *Adapter) subscribeLogsOnce(ctx context.Context) error {
	logs := make(chan types.Log, 256)
	sub, err := a.client.SubscribeFilterLogs(ctx, a.transferQuery(nil, nil), logs)
	if err != nil {
		a.EmitError(fmt.Errorf("%w: subscribe logs: %v", model.ErrTransport, err))
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.retarget:
			// Restart with the new filter set.
			return nil
		case err := <-sub.Err():
			a.EmitError(fmt.Errorf("%w: log subscription dropped: %v", model.ErrTransport, err))
			return err
		case log := <-logs:
			a.emitTransferLog(&log)
		}
	}
}

func (a *Adapter) emitTransferLog(log *types.Log) {
	if log.Removed || len(log.Topics) == 0 {
		return
	}
	var (
		evt model.CanonicalEvent
		err error
	)
	if log.Topics[0] == TransferTopic {
		evt, err = DecodeTransferLog(a.Chain(), log)
	} else {
		evt, err = DecodeMintLog(a.Chain(), log)
	}
	if err != nil {
		a.Logger().Debug("skipping undecodable log", "tx", log.TxHash.Hex(), "error", err)
		return
	}
	if !a.eventWatched(&evt) {
		return
	}
	a.stamp(&evt)
	a.Emit(evt)
}

// scanNativeTransfers walks the block's transactions and emits native
// value moves touching a registered address target.
func (a *Adapter) scanNativeTransfers(ctx context.Context, n uint64) error {
	block, err := a.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return err
	}
	signer := types.LatestSignerForChainID(a.chainID)

	for _, tx := range block.Transactions() {
		if tx.To() == nil || tx.Value().Sign() == 0 {
			continue
		}
		from, err := types.Sender(signer, tx)
		if err != nil {
			a.Logger().Debug("sender recovery failed", "tx", tx.Hash().Hex(), "error", err)
			continue
		}

		evt := model.NewNativeTransferEvent(
			a.Chain(), tx.Hash().Hex(), n,
			from.Hex(), tx.To().Hex(), tx.Value().String(),
		)
		evt.Timestamp = int64(block.Time()) * 1000
		if !a.eventWatched(&evt) {
			continue
		}
		a.stamp(&evt)
		a.Emit(evt)
	}
	return nil
}
