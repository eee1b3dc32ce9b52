// Package chain talks to the chain RPC endpoint and the custody signer
// service on behalf of the escrow engine.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"midswap/escrow"
)

// Client implements escrow.ChainQuery against a JSON-RPC node plus an
// enhanced transaction-parse endpoint.
type Client struct {
	rpcURL       string
	parseURL     string
	escrowWallet string
	http         *http.Client
	nextID       atomic.Int64

	confirmAttempts int
	confirmInterval time.Duration
}

// ClientOption adjusts a Client.
type ClientOption func(*Client)

// WithConfirmPolicy overrides how long ConfirmFinalized polls.
func WithConfirmPolicy(attempts int, interval time.Duration) ClientOption {
	return func(c *Client) {
		c.confirmAttempts = attempts
		c.confirmInterval = interval
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient builds a Client. parseURL serves enhanced transaction queries;
// escrowWallet is used for balance probes.
func NewClient(rpcURL, parseURL, escrowWallet string, opts ...ClientOption) *Client {
	c := &Client{
		rpcURL:       rpcURL,
		parseURL:     parseURL,
		escrowWallet: escrowWallet,
		http:         &http.Client{Timeout: 15 * time.Second},

		confirmAttempts: 12,
		confirmInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chain rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("chain rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("chain rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// parsedTxWire is the enhanced endpoint's representation of a transaction.
type parsedTxWire struct {
	Signature        string          `json:"signature"`
	TransactionError json.RawMessage `json:"transactionError"`
	NativeTransfers  []struct {
		FromUserAccount string `json:"fromUserAccount"`
		ToUserAccount   string `json:"toUserAccount"`
		Amount          int64  `json:"amount"`
	} `json:"nativeTransfers"`
	TokenTransfers []struct {
		FromUserAccount string  `json:"fromUserAccount"`
		ToUserAccount   string  `json:"toUserAccount"`
		Mint            string  `json:"mint"`
		TokenAmount     float64 `json:"tokenAmount"`
	} `json:"tokenTransfers"`
}

// ParsedTransaction fetches the enriched form of a transaction from the
// parse endpoint.
func (c *Client) ParsedTransaction(ctx context.Context, signature string) (*escrow.ParsedTransaction, error) {
	payload, err := json.Marshal(map[string]interface{}{"transactions": []string{signature}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.parseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("parse transaction failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	var parsed []parsedTxWire
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("transaction %s not found", signature)
	}
	wire := parsed[0]

	out := &escrow.ParsedTransaction{
		Signature: wire.Signature,
		Failed:    len(wire.TransactionError) > 0 && string(wire.TransactionError) != "null",
	}
	for _, tr := range wire.NativeTransfers {
		out.NativeTransfers = append(out.NativeTransfers, escrow.NativeTransfer{
			From: tr.FromUserAccount, To: tr.ToUserAccount, Lamports: tr.Amount,
		})
	}
	for _, tr := range wire.TokenTransfers {
		out.TokenTransfers = append(out.TokenTransfers, escrow.TokenTransfer{
			From: tr.FromUserAccount, To: tr.ToUserAccount, Mint: tr.Mint, Count: int64(tr.TokenAmount),
		})
	}
	return out, nil
}

type signatureStatusResult struct {
	Value []*struct {
		ConfirmationStatus string          `json:"confirmationStatus"`
		Err                json.RawMessage `json:"err"`
	} `json:"value"`
}

// ConfirmFinalized polls the node until the transaction reaches finalized
// commitment or the poll budget is exhausted.
func (c *Client) ConfirmFinalized(ctx context.Context, signature string) (bool, error) {
	for attempt := 0; attempt < c.confirmAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(c.confirmInterval):
			}
		}
		var result signatureStatusResult
		err := c.call(ctx, "getSignatureStatuses",
			[]interface{}{[]string{signature}, map[string]bool{"searchTransactionHistory": true}}, &result)
		if err != nil {
			return false, err
		}
		if len(result.Value) == 0 || result.Value[0] == nil {
			continue
		}
		status := result.Value[0]
		if len(status.Err) > 0 && string(status.Err) != "null" {
			return false, fmt.Errorf("transaction %s failed on chain", signature)
		}
		if status.ConfirmationStatus == "finalized" {
			return true, nil
		}
	}
	return false, nil
}

type assetResult struct {
	Grouping []struct {
		GroupKey   string `json:"group_key"`
		GroupValue string `json:"group_value"`
	} `json:"grouping"`
}

// AssetCollections returns the collection addresses the asset is grouped
// under.
func (c *Client) AssetCollections(ctx context.Context, assetID string) ([]string, error) {
	var result assetResult
	if err := c.call(ctx, "getAsset", map[string]string{"id": assetID}, &result); err != nil {
		return nil, err
	}
	var collections []string
	for _, g := range result.Grouping {
		if g.GroupKey == "collection" && strings.TrimSpace(g.GroupValue) != "" {
			collections = append(collections, g.GroupValue)
		}
	}
	return collections, nil
}

type searchAssetsResult struct {
	Total int `json:"total"`
}

// HoldsCollectionAsset reports whether the wallet owns at least one asset
// from the collection.
func (c *Client) HoldsCollectionAsset(ctx context.Context, wallet, collection string) (bool, error) {
	var result searchAssetsResult
	err := c.call(ctx, "searchAssets", map[string]interface{}{
		"ownerAddress": wallet,
		"grouping":     []string{"collection", collection},
		"limit":        1,
	}, &result)
	if err != nil {
		return false, err
	}
	return result.Total > 0, nil
}

type balanceResult struct {
	Value int64 `json:"value"`
}

// EscrowBalance returns the escrow wallet's balance in SOL.
func (c *Client) EscrowBalance(ctx context.Context) (float64, error) {
	var result balanceResult
	if err := c.call(ctx, "getBalance", []interface{}{c.escrowWallet}, &result); err != nil {
		return 0, err
	}
	return float64(result.Value) / escrow.LamportsPerSol, nil
}
