package escrow

import (
	"fmt"
	"math"
)

// LamportsPerSol is the native unit scale.
const LamportsPerSol = 1_000_000_000

// lamportTolerance absorbs rounding differences between the client-built
// transaction and the amounts recorded here.
const lamportTolerance = 5_000

// DepositExpectation describes what a deposit transaction must contain to
// fund one side of an offer.
type DepositExpectation struct {
	Sender       string
	EscrowWallet string
	FeeWallet    string
	NFTs         []string
	Sol          float64
	Fee          float64
}

func solToLamports(sol float64) int64 {
	return int64(math.Round(sol * LamportsPerSol))
}

// VerifyDeposit checks a finalized parsed transaction against the expected
// deposit. Every committed NFT must move from the sender into escrow, the
// SOL leg must arrive in the escrow wallet, and any service fee must arrive
// in the fee wallet, each within lamportTolerance.
func VerifyDeposit(tx *ParsedTransaction, want DepositExpectation) error {
	if tx == nil {
		return fmt.Errorf("%w: transaction not found", ErrTxRejected)
	}
	if tx.Failed {
		return fmt.Errorf("%w: transaction failed on chain", ErrTxRejected)
	}

	if want.Sol > 0 {
		received := sumLamports(tx.NativeTransfers, want.Sender, want.EscrowWallet)
		expected := solToLamports(want.Sol)
		if received+lamportTolerance < expected {
			return fmt.Errorf("%w: escrow received %d lamports, expected %d", ErrTxRejected, received, expected)
		}
	}
	if want.Fee > 0 {
		received := sumLamports(tx.NativeTransfers, want.Sender, want.FeeWallet)
		expected := solToLamports(want.Fee)
		if received+lamportTolerance < expected {
			return fmt.Errorf("%w: fee wallet received %d lamports, expected %d", ErrTxRejected, received, expected)
		}
	}
	for _, mint := range want.NFTs {
		if !hasTokenTransfer(tx.TokenTransfers, want.Sender, want.EscrowWallet, mint) {
			return fmt.Errorf("%w: NFT %s was not transferred into escrow", ErrTxRejected, mint)
		}
	}
	return nil
}

func sumLamports(transfers []NativeTransfer, from, to string) int64 {
	var total int64
	for _, tr := range transfers {
		if tr.From == from && tr.To == to {
			total += tr.Lamports
		}
	}
	return total
}

func hasTokenTransfer(transfers []TokenTransfer, from, to, mint string) bool {
	for _, tr := range transfers {
		if tr.From == from && tr.To == to && tr.Mint == mint && tr.Count > 0 {
			return true
		}
	}
	return false
}
