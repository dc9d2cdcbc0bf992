package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/rawblock/aml-engine/pkg/models"
)

// EtherscanConfig points the client at an Etherscan V2 compatible API.
type EtherscanConfig struct {
	BaseURL string // default https://api.etherscan.io/v2/api
	APIKey  string
	ChainID int64
	Timeout time.Duration
}

// EtherscanClient reads normal-transaction history via account/txlist and
// recent blocks via the proxy module.
type EtherscanClient struct {
	baseURL string
	apiKey  string
	chainID int64
	http    *http.Client
}

func NewEtherscanClient(cfg EtherscanConfig) *EtherscanClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.etherscan.io/v2/api"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &EtherscanClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		chainID: cfg.ChainID,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type txRecord struct {
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	IsError     string `json:"isError"`
}

type rpcBlock struct {
	Number       string  `json:"number"`
	Timestamp    string  `json:"timestamp"`
	Transactions []rpcTx `json:"transactions"`
}

type rpcTx struct {
	Hash  string `json:"hash"`
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
}

func (c *EtherscanClient) call(ctx context.Context, params url.Values) (json.RawMessage, error) {
	params.Set("chainid", strconv.FormatInt(c.chainID, 10))
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	if env.Error != nil {
		return nil, classifyMessage(env.Error.Message)
	}
	if env.Status == "0" {
		var text string
		_ = json.Unmarshal(env.Result, &text)
		if strings.Contains(strings.ToLower(env.Message), "no transactions found") {
			return json.RawMessage("[]"), nil
		}
		return nil, classifyMessage(env.Message + ": " + text)
	}
	return env.Result, nil
}

func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"):
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case strings.Contains(lower, "invalid address"):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		return fmt.Errorf("%w: %s", ErrTransient, msg)
	}
}

// FetchHistory returns the address's normal transactions, oldest first.
// Contract creations and reverted transactions move no value and are skipped.
func (c *EtherscanClient) FetchHistory(ctx context.Context, addr string) ([]models.Transfer, error) {
	return c.txlist(ctx, addr, 0, 99999999)
}

func (c *EtherscanClient) txlist(ctx context.Context, addr string, startBlock, endBlock uint64) ([]models.Transfer, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "txlist")
	params.Set("address", addr)
	params.Set("startblock", strconv.FormatUint(startBlock, 10))
	params.Set("endblock", strconv.FormatUint(endBlock, 10))
	params.Set("sort", "asc")

	raw, err := c.call(ctx, params)
	if err != nil {
		return nil, err
	}
	var records []txRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: decode txlist: %v", ErrTransient, err)
	}

	out := make([]models.Transfer, 0, len(records))
	for _, r := range records {
		if r.To == "" || r.IsError == "1" {
			continue
		}
		t, ok := recordToTransfer(r)
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func recordToTransfer(r txRecord) (models.Transfer, bool) {
	from, err := models.NormalizeAddress(r.From)
	if err != nil {
		return models.Transfer{}, false
	}
	to, err := models.NormalizeAddress(r.To)
	if err != nil {
		return models.Transfer{}, false
	}
	wei, err := decimal.NewFromString(r.Value)
	if err != nil {
		return models.Transfer{}, false
	}
	ts, _ := strconv.ParseInt(r.TimeStamp, 10, 64)
	block, _ := strconv.ParseUint(r.BlockNumber, 10, 64)
	return models.Transfer{
		Hash:        strings.ToLower(r.Hash),
		From:        from,
		To:          to,
		Value:       wei.Shift(-18),
		Timestamp:   time.Unix(ts, 0).UTC(),
		BlockNumber: block,
	}, true
}

func (c *EtherscanClient) latestBlock(ctx context.Context) (uint64, error) {
	params := url.Values{}
	params.Set("module", "proxy")
	params.Set("action", "eth_blockNumber")
	raw, err := c.call(ctx, params)
	if err != nil {
		return 0, err
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return 0, fmt.Errorf("%w: decode block number: %v", ErrTransient, err)
	}
	n, err := hexutil.DecodeUint64(hex)
	if err != nil {
		return 0, fmt.Errorf("%w: block number %q: %v", ErrTransient, hex, err)
	}
	return n, nil
}

// RecentTransfers pulls watched addresses through txlist, or scans whole
// blocks through the proxy module when nothing is watched.
func (c *EtherscanClient) RecentTransfers(ctx context.Context, q ActivityQuery) (Activity, error) {
	latest, err := c.latestBlock(ctx)
	if err != nil {
		return Activity{}, err
	}
	from, to, ok := blockRange(latest, q)
	act := Activity{LatestBlock: latest}
	if !ok {
		return act, nil
	}

	if len(q.Watch) > 0 {
		seen := make(map[string]struct{})
		for _, addr := range q.Watch {
			transfers, err := c.txlist(ctx, addr, from, to)
			if err != nil {
				return Activity{}, err
			}
			for _, t := range transfers {
				if _, dup := seen[t.Hash]; dup {
					continue
				}
				seen[t.Hash] = struct{}{}
				act.Transfers = append(act.Transfers, t)
			}
		}
		return act, nil
	}

	for n := from; n <= to; n++ {
		transfers, err := c.blockTransfers(ctx, n)
		if err != nil {
			return Activity{}, err
		}
		act.Transfers = append(act.Transfers, transfers...)
	}
	return act, nil
}

func (c *EtherscanClient) blockTransfers(ctx context.Context, number uint64) ([]models.Transfer, error) {
	params := url.Values{}
	params.Set("module", "proxy")
	params.Set("action", "eth_getBlockByNumber")
	params.Set("tag", hexutil.EncodeUint64(number))
	params.Set("boolean", "true")

	raw, err := c.call(ctx, params)
	if err != nil {
		return nil, err
	}
	var block rpcBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("%w: decode block %d: %v", ErrTransient, number, err)
	}
	ts, _ := hexutil.DecodeUint64(block.Timestamp)

	var out []models.Transfer
	for _, tx := range block.Transactions {
		if tx.To == "" {
			continue
		}
		wei, err := hexutil.DecodeBig(tx.Value)
		if err != nil || wei.Sign() == 0 {
			continue
		}
		from, err1 := models.NormalizeAddress(tx.From)
		to, err2 := models.NormalizeAddress(tx.To)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, models.Transfer{
			Hash:        strings.ToLower(tx.Hash),
			From:        from,
			To:          to,
			Value:       decimal.NewFromBigInt(wei, -18),
			Timestamp:   time.Unix(int64(ts), 0).UTC(),
			BlockNumber: number,
		})
	}
	return out, nil
}

var _ Client = (*EtherscanClient)(nil)
