package ingest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/rawblock/aml-engine/pkg/models"
)

// NodeClient scans recent blocks straight from an Ethereum JSON-RPC node.
// A plain node has no address index, so FetchHistory is unsupported.
type NodeClient struct {
	eth     *ethclient.Client
	chainID *big.Int
}

// DialNode connects to rawURL and reads the chain id used to recover senders.
func DialNode(ctx context.Context, rawURL string) (*NodeClient, error) {
	eth, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial node: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	return &NodeClient{eth: eth, chainID: chainID}, nil
}

func (n *NodeClient) Close() {
	n.eth.Close()
}

func (n *NodeClient) FetchHistory(ctx context.Context, addr string) ([]models.Transfer, error) {
	return nil, fmt.Errorf("%w: node client has no address index", ErrUnsupported)
}

func (n *NodeClient) RecentTransfers(ctx context.Context, q ActivityQuery) (Activity, error) {
	latest, err := n.eth.BlockNumber(ctx)
	if err != nil {
		return Activity{}, n.wrap(ctx, err)
	}
	act := Activity{LatestBlock: latest}
	from, to, ok := blockRange(latest, q)
	if !ok {
		return act, nil
	}
	watch := watchSet(q.Watch)
	signer := types.LatestSignerForChainID(n.chainID)

	for num := from; num <= to; num++ {
		block, err := n.eth.BlockByNumber(ctx, new(big.Int).SetUint64(num))
		if err != nil {
			return Activity{}, n.wrap(ctx, err)
		}
		ts := time.Unix(int64(block.Time()), 0).UTC()

		for _, tx := range block.Transactions() {
			if tx.To() == nil || tx.Value().Sign() == 0 {
				continue
			}
			sender, err := types.Sender(signer, tx)
			if err != nil {
				continue
			}
			t := models.Transfer{
				Hash:        strings.ToLower(tx.Hash().Hex()),
				From:        strings.ToLower(sender.Hex()),
				To:          strings.ToLower(tx.To().Hex()),
				Value:       decimal.NewFromBigInt(tx.Value(), -18),
				Timestamp:   ts,
				BlockNumber: num,
			}
			if watch != nil {
				_, fromWatched := watch[t.From]
				_, toWatched := watch[t.To]
				if !fromWatched && !toWatched {
					continue
				}
			}
			act.Transfers = append(act.Transfers, t)
		}
	}
	return act, nil
}

func (n *NodeClient) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if strings.Contains(strings.ToLower(err.Error()), "429") {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

var _ Client = (*NodeClient)(nil)
