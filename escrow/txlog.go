package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"midswap/storage"
)

// TxLogEntry is one audit record in an offer's settlement trail.
type TxLogEntry struct {
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`
	Actor     string `json:"actor,omitempty"`
	TxSig     string `json:"txSignature,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// TxLog is the append-only audit trail kept per offer. Appends are advisory:
// they run detached from the request that produced them and never affect its
// outcome.
type TxLog struct {
	kv  storage.KV
	log *slog.Logger
}

// NewTxLog builds a TxLog over kv.
func NewTxLog(kv storage.KV, log *slog.Logger) *TxLog {
	if log == nil {
		log = slog.Default()
	}
	return &TxLog{kv: kv, log: log}
}

func txlogKey(offerID string) string { return "txlog:" + offerID }

// Append writes one entry synchronously. Most callers should prefer
// AppendDetached.
func (t *TxLog) Append(ctx context.Context, offerID string, entry TxLogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal txlog entry: %w", err)
	}
	if err := t.kv.ListAppend(ctx, txlogKey(offerID), payload); err != nil {
		return fmt.Errorf("append txlog for %s: %w", offerID, err)
	}
	return nil
}

// AppendDetached writes the entry on a background goroutine with its own
// deadline, decoupled from the caller's context. Failures are logged only.
func (t *TxLog) AppendDetached(offerID string, entry TxLogEntry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.Append(ctx, offerID, entry); err != nil {
			t.log.Warn("txlog append failed", "offer", offerID, "action", entry.Action, "error", err)
		}
	}()
}

// Entries returns the full trail for an offer, oldest first. Records that no
// longer parse are skipped.
func (t *TxLog) Entries(ctx context.Context, offerID string) ([]TxLogEntry, error) {
	raw, err := t.kv.ListRange(ctx, txlogKey(offerID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read txlog for %s: %w", offerID, err)
	}
	entries := make([]TxLogEntry, 0, len(raw))
	for _, item := range raw {
		var entry TxLogEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			t.log.Warn("skipping malformed txlog entry", "offer", offerID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
