package escrow

import (
	"errors"
	"testing"
)

func TestVerifyDeposit(t *testing.T) {
	const (
		sender = "sender-wallet"
		escrow = "escrow-wallet"
		feeW   = "fee-wallet"
	)
	want := DepositExpectation{
		Sender:       sender,
		EscrowWallet: escrow,
		FeeWallet:    feeW,
		NFTs:         []string{"mint-a"},
		Sol:          1.5,
		Fee:          0.02,
	}
	goodTx := func() *ParsedTransaction {
		return &ParsedTransaction{
			Signature: "sig",
			NativeTransfers: []NativeTransfer{
				{From: sender, To: escrow, Lamports: 1_500_000_000},
				{From: sender, To: feeW, Lamports: 20_000_000},
			},
			TokenTransfers: []TokenTransfer{
				{From: sender, To: escrow, Mint: "mint-a", Count: 1},
			},
		}
	}

	cases := []struct {
		name   string
		mutate func(*ParsedTransaction)
		wantOK bool
	}{
		{"exact amounts", func(*ParsedTransaction) {}, true},
		{"within tolerance", func(tx *ParsedTransaction) {
			tx.NativeTransfers[0].Lamports -= 4_999
		}, true},
		{"split sol transfers", func(tx *ParsedTransaction) {
			tx.NativeTransfers[0].Lamports = 1_000_000_000
			tx.NativeTransfers = append(tx.NativeTransfers,
				NativeTransfer{From: sender, To: escrow, Lamports: 500_000_000})
		}, true},
		{"underfunded beyond tolerance", func(tx *ParsedTransaction) {
			tx.NativeTransfers[0].Lamports -= 5_001
		}, false},
		{"sol sent to the wrong wallet", func(tx *ParsedTransaction) {
			tx.NativeTransfers[0].To = "attacker"
		}, false},
		{"sol from the wrong sender", func(tx *ParsedTransaction) {
			tx.NativeTransfers[0].From = "someone-else"
		}, false},
		{"missing fee", func(tx *ParsedTransaction) {
			tx.NativeTransfers = tx.NativeTransfers[:1]
		}, false},
		{"missing NFT", func(tx *ParsedTransaction) {
			tx.TokenTransfers = nil
		}, false},
		{"wrong mint", func(tx *ParsedTransaction) {
			tx.TokenTransfers[0].Mint = "mint-b"
		}, false},
		{"failed transaction", func(tx *ParsedTransaction) {
			tx.Failed = true
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := goodTx()
			tc.mutate(tx)
			err := VerifyDeposit(tx, want)
			if tc.wantOK && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.wantOK {
				if !errors.Is(err, ErrTxRejected) {
					t.Fatalf("got %v, want ErrTxRejected", err)
				}
			}
		})
	}

	t.Run("nil transaction", func(t *testing.T) {
		if err := VerifyDeposit(nil, want); !errors.Is(err, ErrTxRejected) {
			t.Fatalf("got %v, want ErrTxRejected", err)
		}
	})

	t.Run("no sol side skips lamport check", func(t *testing.T) {
		nftOnly := DepositExpectation{
			Sender: sender, EscrowWallet: escrow, FeeWallet: feeW,
			NFTs: []string{"mint-a"}, Fee: 0.02,
		}
		tx := goodTx()
		tx.NativeTransfers = tx.NativeTransfers[1:] // fee transfer only
		if err := VerifyDeposit(tx, nftOnly); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
