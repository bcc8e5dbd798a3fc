package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestBook_PullPush(t *testing.T) {
	ctx := context.Background()
	vault := common.HexToAddress("0x10")
	token := common.HexToAddress("0x3c")
	alice := common.HexToAddress("0xa1")

	book := NewBook(vault)
	book.Mint(token, alice, decimal.NewFromInt(100))

	if err := book.Pull(ctx, token, alice, decimal.NewFromInt(60)); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if got := book.BalanceOf(token, vault); !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("vault balance = %s, want 60", got)
	}

	err := book.Pull(ctx, token, alice, decimal.NewFromInt(41))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}

	if err := book.Push(ctx, token, alice, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if got := book.BalanceOf(token, alice); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("alice balance = %s, want 50", got)
	}
}

func TestStakingPool_Stake(t *testing.T) {
	ctx := context.Background()
	vault := common.HexToAddress("0x10")
	pool := common.HexToAddress("0x20")
	token := common.HexToAddress("0xbb")
	alice := common.HexToAddress("0xa1")

	book := NewBook(vault)
	book.Mint(token, vault, decimal.NewFromInt(5))
	sp := NewStakingPool(book, token, pool)

	if err := sp.Stake(ctx, alice, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("Stake failed: %v", err)
	}
	if got := sp.StakeOf(alice); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("stake = %s, want 5", got)
	}
	if got := book.BalanceOf(token, pool); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("pool balance = %s, want 5", got)
	}
	if err := sp.Stake(ctx, alice, decimal.NewFromInt(1)); err == nil {
		t.Error("expected stake beyond vault balance to fail")
	}
}
