package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transfer is a directed value edge between two addresses. It is immutable once
// ingested; the hash is unique so re-ingestion merges idempotently.
type Transfer struct {
	Hash        string          `json:"hash"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Value       decimal.Decimal `json:"value"` // in ETH
	Timestamp   time.Time       `json:"timestamp"`
	BlockNumber uint64          `json:"blockNumber,omitempty"`
}

// Counterparty returns the other side of the transfer relative to addr.
func (t Transfer) Counterparty(addr string) string {
	if t.From == addr {
		return t.To
	}
	return t.From
}

// IsIncoming reports whether addr received the transfer.
func (t Transfer) IsIncoming(addr string) bool {
	return t.To == addr && t.From != addr
}

// IsOutgoing reports whether addr sent the transfer.
func (t Transfer) IsOutgoing(addr string) bool {
	return t.From == addr && t.To != addr
}
