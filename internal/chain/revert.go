package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// IsRevert reports whether err is a contract revert rather than a transport
// failure. Nodes return reverts as JSON-RPC errors carrying revert data, or
// with an "execution reverted" message when no data is attached.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	var de rpc.DataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// RevertReason extracts the Error(string) reason from a revert, falling back
// to the text after "execution reverted" in the node's message. It returns
// "" when no reason is available.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(strings.ToLower(msg), "execution reverted"); i >= 0 {
		rest := strings.TrimSpace(msg[i+len("execution reverted"):])
		return strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	}
	return ""
}
