package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"midswap/escrow"
)

// rpcHandler answers JSON-RPC calls from a method table.
func rpcHandler(t *testing.T, methods map[string]func(params json.RawMessage) interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     int64           `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler, ok := methods[req.Method]
		if !ok {
			t.Errorf("unexpected rpc method %s", req.Method)
			http.Error(w, "unknown method", http.StatusBadRequest)
			return
		}
		result, err := json.Marshal(handler(req.Params))
		if err != nil {
			t.Errorf("marshal result: %v", err)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  json.RawMessage(result),
		})
	}
}

func TestParsedTransaction(t *testing.T) {
	parse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Transactions []string `json:"transactions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Transactions) != 1 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{{
			"signature":        req.Transactions[0],
			"transactionError": nil,
			"nativeTransfers": []map[string]interface{}{
				{"fromUserAccount": "alice", "toUserAccount": "escrow", "amount": 1_000_000_000},
			},
			"tokenTransfers": []map[string]interface{}{
				{"fromUserAccount": "alice", "toUserAccount": "escrow", "mint": "mint-a", "tokenAmount": 1},
			},
		}})
	}))
	defer parse.Close()

	client := NewClient("http://unused", parse.URL, "escrow")
	tx, err := client.ParsedTransaction(context.Background(), "sig-1")
	if err != nil {
		t.Fatalf("parsed transaction: %v", err)
	}
	if tx.Failed {
		t.Fatal("null transactionError must not mark the tx failed")
	}
	if len(tx.NativeTransfers) != 1 || tx.NativeTransfers[0].Lamports != 1_000_000_000 {
		t.Fatalf("native transfers = %+v", tx.NativeTransfers)
	}
	if len(tx.TokenTransfers) != 1 || tx.TokenTransfers[0].Mint != "mint-a" {
		t.Fatalf("token transfers = %+v", tx.TokenTransfers)
	}
}

func TestParsedTransactionFailedOnChain(t *testing.T) {
	parse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{{
			"signature":        "sig-err",
			"transactionError": map[string]string{"err": "InstructionError"},
		}})
	}))
	defer parse.Close()

	client := NewClient("http://unused", parse.URL, "escrow")
	tx, err := client.ParsedTransaction(context.Background(), "sig-err")
	if err != nil {
		t.Fatalf("parsed transaction: %v", err)
	}
	if !tx.Failed {
		t.Fatal("transactionError must mark the tx failed")
	}
}

func TestConfirmFinalized(t *testing.T) {
	calls := 0
	rpc := httptest.NewServer(rpcHandler(t, map[string]func(json.RawMessage) interface{}{
		"getSignatureStatuses": func(json.RawMessage) interface{} {
			calls++
			status := "confirmed"
			if calls >= 2 {
				status = "finalized"
			}
			return map[string]interface{}{
				"value": []map[string]interface{}{{"confirmationStatus": status}},
			}
		},
	}))
	defer rpc.Close()

	client := NewClient(rpc.URL, "http://unused", "escrow",
		WithConfirmPolicy(3, time.Millisecond))
	ok, err := client.ConfirmFinalized(context.Background(), "sig-1")
	if err != nil || !ok {
		t.Fatalf("confirm: ok=%v err=%v", ok, err)
	}
	if calls != 2 {
		t.Fatalf("polled %d times, want 2", calls)
	}
}

func TestConfirmFinalizedGivesUp(t *testing.T) {
	rpc := httptest.NewServer(rpcHandler(t, map[string]func(json.RawMessage) interface{}{
		"getSignatureStatuses": func(json.RawMessage) interface{} {
			return map[string]interface{}{"value": []interface{}{nil}}
		},
	}))
	defer rpc.Close()

	client := NewClient(rpc.URL, "http://unused", "escrow",
		WithConfirmPolicy(2, time.Millisecond))
	ok, err := client.ConfirmFinalized(context.Background(), "sig-1")
	if err != nil || ok {
		t.Fatalf("confirm: ok=%v err=%v, want exhausted budget", ok, err)
	}
}

func TestAssetCollections(t *testing.T) {
	rpc := httptest.NewServer(rpcHandler(t, map[string]func(json.RawMessage) interface{}{
		"getAsset": func(json.RawMessage) interface{} {
			return map[string]interface{}{
				"grouping": []map[string]string{
					{"group_key": "collection", "group_value": "col-1"},
					{"group_key": "creator", "group_value": "who"},
				},
			}
		},
	}))
	defer rpc.Close()

	client := NewClient(rpc.URL, "http://unused", "escrow")
	collections, err := client.AssetCollections(context.Background(), "mint-a")
	if err != nil {
		t.Fatalf("asset collections: %v", err)
	}
	if len(collections) != 1 || collections[0] != "col-1" {
		t.Fatalf("collections = %v", collections)
	}
}

func TestHoldsCollectionAsset(t *testing.T) {
	rpc := httptest.NewServer(rpcHandler(t, map[string]func(json.RawMessage) interface{}{
		"searchAssets": func(json.RawMessage) interface{} {
			return map[string]int{"total": 3}
		},
	}))
	defer rpc.Close()

	client := NewClient(rpc.URL, "http://unused", "escrow")
	holds, err := client.HoldsCollectionAsset(context.Background(), "alice", "col-1")
	if err != nil || !holds {
		t.Fatalf("holds=%v err=%v", holds, err)
	}
}

func TestEscrowBalance(t *testing.T) {
	rpc := httptest.NewServer(rpcHandler(t, map[string]func(json.RawMessage) interface{}{
		"getBalance": func(json.RawMessage) interface{} {
			return map[string]int64{"value": 2_500_000_000}
		},
	}))
	defer rpc.Close()

	client := NewClient(rpc.URL, "http://unused", "escrow")
	balance, err := client.EscrowBalance(context.Background())
	if err != nil || balance != 2.5 {
		t.Fatalf("balance=%v err=%v", balance, err)
	}
}

func TestCustodyClientTransfers(t *testing.T) {
	var gotPath string
	var gotAuth string
	var gotReq map[string]interface{}
	signer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]string{"txSignature": "custody-tx"})
	}))
	defer signer.Close()

	client := NewCustodyClient(signer.URL, "token-123")
	offer := &escrow.Offer{
		ID:        "offer_0123",
		Initiator: escrow.Party{Wallet: "alice", NFTs: []string{"mint-a"}, Sol: 1},
		Receiver:  escrow.Party{Wallet: "bob", Sol: 2},
	}

	sig, err := client.ReleaseToReceiver(context.Background(), offer)
	if err != nil || sig != "custody-tx" {
		t.Fatalf("release: sig=%q err=%v", sig, err)
	}
	if gotPath != "/v1/transfers/release" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("auth = %s", gotAuth)
	}
	if gotReq["destination"] != "bob" {
		t.Fatalf("destination = %v", gotReq["destination"])
	}

	sig, err = client.ReturnToReceiver(context.Background(), offer)
	if err != nil || sig != "custody-tx" {
		t.Fatalf("return: sig=%q err=%v", sig, err)
	}
	if gotPath != "/v1/transfers/return" || gotReq["destination"] != "bob" {
		t.Fatalf("path=%s destination=%v", gotPath, gotReq["destination"])
	}
}

func TestCustodyClientSkipsEmptySide(t *testing.T) {
	client := NewCustodyClient("http://unreachable", "")
	offer := &escrow.Offer{
		ID:        "offer_0123",
		Initiator: escrow.Party{Wallet: "alice", Sol: 1},
		Receiver:  escrow.Party{Wallet: "bob"},
	}
	// The receiver committed nothing: no call is made, no error returned.
	sig, err := client.ReleaseToInitiator(context.Background(), offer)
	if err != nil || sig != "" {
		t.Fatalf("sig=%q err=%v, want silent no-op", sig, err)
	}
}

func TestCustodyClientErrorResponses(t *testing.T) {
	signer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "insufficient escrow balance"})
	}))
	defer signer.Close()

	client := NewCustodyClient(signer.URL, "")
	offer := &escrow.Offer{
		ID:        "offer_0123",
		Initiator: escrow.Party{Wallet: "alice", Sol: 1},
		Receiver:  escrow.Party{Wallet: "bob", Sol: 1},
	}
	if _, err := client.ReleaseToReceiver(context.Background(), offer); err == nil {
		t.Fatal("signer rejection must surface as an error")
	}
}
