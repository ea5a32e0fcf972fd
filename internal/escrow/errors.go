package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/paylink/internal/chain"
	"github.com/mbd888/paylink/internal/circuitbreaker"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/wallet"
)

// Kind classifies coordinator failures for callers and HTTP mapping.
type Kind string

const (
	KindUserRejected          Kind = "user_rejected"
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindInsufficientAllowance Kind = "insufficient_allowance"
	KindNetwork               Kind = "network"
	KindRevertKnown           Kind = "revert_known"
	KindRevertUnknown         Kind = "revert_unknown"
	KindValidation            Kind = "validation"
	KindDataIntegrity         Kind = "data_integrity"
	KindTimeout               Kind = "timeout"
	KindUnknown               Kind = "unknown"
)

// EIP-1193 provider error code for a declined wallet prompt.
const codeUserRejected = 4001

const msgUserRejected = "Transaction was rejected in the wallet."

// Error is a classified coordinator failure. Message is safe to show a user.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	TxHash  string // set when a transaction was submitted
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "escrow: %s: %s", e.Op, e.Kind)
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.TxHash != "" {
		b.WriteString(" (tx: " + e.TxHash + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns the text shown to the user. Rejection reads the same
// no matter which operation it happened in.
func (e *Error) UserMessage() string {
	if e.Kind == KindUserRejected {
		return msgUserRejected
	}
	if e.Message != "" {
		return e.Message
	}
	return defaultMessage(e.Kind)
}

func defaultMessage(k Kind) string {
	switch k {
	case KindInsufficientFunds:
		return "Insufficient balance to complete this payment."
	case KindInsufficientAllowance:
		return "Token allowance is still too low after approval."
	case KindNetwork:
		return "Could not reach the blockchain network. Please retry."
	case KindRevertUnknown:
		return "The contract rejected the transaction. Check the invoice state and that your address is authorized."
	case KindTimeout:
		return "Timed out waiting for the transaction to confirm."
	case KindDataIntegrity:
		return "Invoice records disagree and need operator attention."
	case KindValidation:
		return "This action is not allowed in the invoice's current state."
	}
	return "Something went wrong. Please retry or contact support."
}

// KindOf returns the error's kind, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transport failure a caller may retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// knownReverts maps revert reason substrings to user-facing messages.
var knownReverts = []struct {
	match   string
	message string
}{
	{"already funded", "This invoice has already been funded."},
	{"not funded", "This invoice has not been funded yet."},
	{"already exists", "This invoice already exists on-chain."},
	{"invoice exists", "This invoice already exists on-chain."},
	{"only payer", "Only the payer can perform this action."},
	{"not payer", "Only the payer can perform this action."},
	{"only payee", "Only the payee can perform this action."},
	{"not authorized", "Your address is not authorized for this invoice."},
	{"disputed", "This invoice is under dispute."},
	{"amount mismatch", "The funded amount does not match the invoice total."},
	{"invalid milestone", "The requested milestone does not exist."},
}

// alreadyCompleted are revert reasons meaning release has already happened.
var alreadyCompleted = []string{"already released", "already completed", "already paid"}

// Normalize maps a raw wallet, RPC, or contract error onto the taxonomy.
// An *Error passes through unchanged.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, invoice.ErrNotFound) {
		return err
	}

	out := &Error{Op: op, Err: err}
	var te *wallet.TransferError
	if errors.As(err, &te) {
		out.TxHash = te.TxHash
	}

	msg := strings.ToLower(err.Error())
	switch {
	case isUserRejection(err, msg):
		out.Kind = KindUserRejected
		out.Message = msgUserRejected
	case strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "exceeds balance"):
		out.Kind = KindInsufficientFunds
	case strings.Contains(msg, "exceeds allowance") || strings.Contains(msg, "insufficient allowance"):
		out.Kind = KindInsufficientAllowance
	case errors.Is(err, wallet.ErrTimeout):
		out.Kind = KindTimeout
	case chain.IsRevert(err) || errors.Is(err, wallet.ErrTransactionFailed):
		reason := chain.RevertReason(err)
		if m, ok := knownRevertMessage(reason); ok {
			out.Kind = KindRevertKnown
			out.Message = m
		} else {
			out.Kind = KindRevertUnknown
			out.Message = fmt.Sprintf("Transaction reverted: %s. Check the invoice state and that your address is authorized.", reasonOrUnknown(reason))
		}
	case isNetwork(err, msg):
		out.Kind = KindNetwork
	default:
		out.Kind = KindUnknown
	}
	return out
}

func isUserRejection(err error, msg string) bool {
	var re rpc.Error
	if errors.As(err, &re) && re.ErrorCode() == codeUserRejected {
		return true
	}
	return strings.Contains(msg, "user rejected") ||
		strings.Contains(msg, "user denied") ||
		strings.Contains(msg, "rejected by user")
}

func isNetwork(err error, msg string) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, wallet.ErrRPCConnection) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, circuitbreaker.ErrOpen) {
		return true
	}
	for _, s := range []string{"connection refused", "connection reset", "no such host", "i/o timeout", "502 bad gateway", "503 service unavailable", "429 too many requests"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func knownRevertMessage(reason string) (string, bool) {
	r := strings.ToLower(reason)
	for _, kr := range knownReverts {
		if strings.Contains(r, kr.match) {
			return kr.message, true
		}
	}
	return "", false
}

func isAlreadyCompleted(err error) bool {
	if err == nil || !(chain.IsRevert(err) || errors.Is(err, wallet.ErrTransactionFailed)) {
		return false
	}
	r := strings.ToLower(chain.RevertReason(err))
	for _, s := range alreadyCompleted {
		if strings.Contains(r, s) {
			return true
		}
	}
	return false
}

func reasonOrUnknown(reason string) string {
	if reason == "" {
		return "no reason given"
	}
	return reason
}

func validationError(op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...), Err: cause}
}

func networkError(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Message: defaultMessage(KindNetwork), Err: err}
}
