package chain

import (
	"fmt"
	"strings"

	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
)

var (
	ErrSignerNotReady    = apperrors.Configuration("signer not configured", nil)
	ErrInvalidAddress    = apperrors.New(apperrors.ErrInvalidRequest, "invalid address", nil)
	ErrInvalidAmount     = apperrors.New(apperrors.ErrInvalidRequest, "amount must be positive", nil)
	ErrInsufficientFunds = apperrors.Terminal("insufficient funds", nil)
	ErrWouldRevert       = apperrors.Terminal("transfer would revert", nil)
	ErrReverted          = apperrors.Terminal("transaction reverted", nil)
	ErrNonceTooLow       = apperrors.Transient("stale nonce", nil)
	ErrUnderpriced       = apperrors.Transient("transaction underpriced", nil)
	ErrUnconfirmed       = apperrors.Transient("transaction not confirmed before timeout", nil)
	ErrSendAmbiguous     = apperrors.Transient("send outcome unknown", nil)
)

// rpcErrorMap turns node error text into typed errors. Node errors only
// arrive as strings over JSON-RPC, so this is the one place that reads them.
// Order matters: the first match wins.
var rpcErrorMap = []struct {
	fragment string
	err      error
}{
	{core.ErrInsufficientFunds.Error(), ErrInsufficientFunds},
	{"insufficient funds", ErrInsufficientFunds},
	{"transfer amount exceeds balance", ErrInsufficientFunds},
	{core.ErrNonceTooLow.Error(), ErrNonceTooLow},
	{txpool.ErrReplaceUnderpriced.Error(), ErrUnderpriced},
	{txpool.ErrUnderpriced.Error(), ErrUnderpriced},
	{"execution reverted", ErrWouldRevert},
}

// classifyRPCError wraps err with the matching typed error. Unknown errors
// are returned untouched and count as retryable.
func classifyRPCError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rpcErrorMap {
		if strings.Contains(msg, strings.ToLower(m.fragment)) {
			return fmt.Errorf("%w: %v", m.err, err)
		}
	}
	return err
}
