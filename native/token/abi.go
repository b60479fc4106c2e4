package token

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const erc20ABIJSON = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const (
	MethodTransfer     = "transfer"
	MethodTransferFrom = "transferFrom"
	MethodApprove      = "approve"
)

var (
	ErrMalformedCall = errors.New("token: malformed calldata")
	ErrUnknownMethod = errors.New("token: unknown method")

	erc20ABI = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("token: parse erc20 abi: %v", err))
	}
	return parsed
}

// Selector returns the 4-byte identifier of an ERC20 method.
func Selector(method string) ([]byte, bool) {
	m, ok := erc20ABI.Methods[method]
	if !ok {
		return nil, false
	}
	return bytes.Clone(m.ID), true
}

// Call is a decoded state-changing ERC20 invocation. From is only set for
// transferFrom; To holds the recipient or, for approve, the spender.
type Call struct {
	Method string
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

// DecodeCall parses ERC20 calldata for transfer, transferFrom and approve.
func DecodeCall(data []byte) (Call, error) {
	if len(data) < 4 {
		return Call{}, fmt.Errorf("%w: %d bytes", ErrMalformedCall, len(data))
	}
	method, err := erc20ABI.MethodById(data[:4])
	if err != nil {
		return Call{}, fmt.Errorf("%w: selector %x", ErrUnknownMethod, data[:4])
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrMalformedCall, err)
	}
	call := Call{Method: method.Name}
	switch method.Name {
	case MethodTransfer, MethodApprove:
		call.To, call.Amount, err = addressAndAmount(args[0], args[1])
	case MethodTransferFrom:
		from, ok := args[0].(common.Address)
		if !ok {
			return Call{}, fmt.Errorf("%w: from argument", ErrMalformedCall)
		}
		call.From = from
		call.To, call.Amount, err = addressAndAmount(args[1], args[2])
	default:
		return Call{}, fmt.Errorf("%w: %s is read-only", ErrUnknownMethod, method.Name)
	}
	if err != nil {
		return Call{}, err
	}
	return call, nil
}

func addressAndAmount(rawAddr, rawAmount interface{}) (common.Address, *uint256.Int, error) {
	addr, ok := rawAddr.(common.Address)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("%w: address argument", ErrMalformedCall)
	}
	value, ok := rawAmount.(*big.Int)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("%w: amount argument", ErrMalformedCall)
	}
	amount, overflow := uint256.FromBig(value)
	if overflow {
		return common.Address{}, nil, fmt.Errorf("%w: amount overflows", ErrMalformedCall)
	}
	return addr, amount, nil
}

// PackTransfer encodes transfer(to, amount).
func PackTransfer(to common.Address, amount *uint256.Int) ([]byte, error) {
	return erc20ABI.Pack(MethodTransfer, to, amount.ToBig())
}

// PackApprove encodes approve(spender, amount).
func PackApprove(spender common.Address, amount *uint256.Int) ([]byte, error) {
	return erc20ABI.Pack(MethodApprove, spender, amount.ToBig())
}

// PackTransferFrom encodes transferFrom(from, to, amount).
func PackTransferFrom(from, to common.Address, amount *uint256.Int) ([]byte, error) {
	return erc20ABI.Pack(MethodTransferFrom, from, to, amount.ToBig())
}
