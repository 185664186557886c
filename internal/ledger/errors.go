package ledger

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Class is a coarse category of RPC failures used in logs and metrics.
type Class string

const (
	ClassOK          Class = "ok"
	ClassRateLimited Class = "rate_limited"
	ClassRevert      Class = "revert"
	ClassTimeout     Class = "timeout"
	ClassNetwork     Class = "network"
	ClassRPC         Class = "rpc_error"
)

// Classify sorts err into a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}
	var re *RevertError
	if errors.As(err, &re) {
		return ClassRevert
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "execution reverted"):
		return ClassRevert
	case strings.Contains(s, "too many requests"), strings.Contains(s, "-32005"):
		return ClassRateLimited
	case strings.Contains(s, "context deadline exceeded"), strings.Contains(s, "client.timeout exceeded"),
		strings.Contains(s, "i/o timeout"), strings.Contains(s, "tls handshake timeout"):
		return ClassTimeout
	case strings.Contains(s, "connection reset"), strings.Contains(s, "connection refused"),
		strings.Contains(s, "broken pipe"), strings.Contains(s, "eof"),
		strings.Contains(s, "dial tcp"), strings.Contains(s, "lookup "),
		strings.Contains(s, "502"), strings.Contains(s, "503"), strings.Contains(s, "504"):
		return ClassNetwork
	}
	return ClassRPC
}

// retryable reports whether a read-only call may be repeated.
func retryable(err error) bool {
	switch Classify(err) {
	case ClassRateLimited, ClassTimeout, ClassNetwork:
		return true
	}
	return false
}

// RevertError is a simulated call that reverted.
type RevertError struct {
	Reason string
	Data   []byte
	err    error
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

func (e *RevertError) Unwrap() error { return e.err }

// RevertReason returns the decoded Error(string) message or the node's text.
func (e *RevertError) RevertReason() string { return e.Reason }

// asRevert turns an eth_call failure into a *RevertError when the node says it reverted.
func asRevert(err error) error {
	if err == nil {
		return nil
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				re := &RevertError{Data: data, err: err}
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					re.Reason = reason
				} else {
					re.Reason = revertReason(err)
				}
				return re
			}
		}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return &RevertError{Reason: revertReason(err), err: err}
	}
	return err
}

// revertReason pulls the text after "execution reverted:".
func revertReason(e error) string {
	const p = "execution reverted"
	s := e.Error()
	i := strings.Index(s, p)
	if i < 0 {
		return s
	}
	rest := strings.TrimSpace(s[i+len(p):])
	return strings.TrimSpace(strings.TrimPrefix(rest, ":"))
}
