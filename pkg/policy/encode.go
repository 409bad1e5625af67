package policy

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Canonical policy encoding.
//
// The policy travels as a single ABI-encoded value so independent encoders
// and decoders agree byte for byte. The field order is fixed and must never
// change: feeLimit, then transfers, then calls.
//
//	(uint256 feeLimit,
//	 (address to, uint256 cap, uint64 period)[] transfers,
//	 (address target, bytes4 selector,
//	  (uint16 paramIndex, uint8 op, bytes32 ref)[] constraints)[] calls)

var policyArgs abi.Arguments

func init() {
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	transfersTy, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "to", Type: "address"},
		{Name: "cap", Type: "uint256"},
		{Name: "period", Type: "uint64"},
	})
	if err != nil {
		panic(fmt.Sprintf("policy: bad transfers type: %v", err))
	}
	callsTy, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "selector", Type: "bytes4"},
		{Name: "constraints", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "paramIndex", Type: "uint16"},
			{Name: "op", Type: "uint8"},
			{Name: "ref", Type: "bytes32"},
		}},
	})
	if err != nil {
		panic(fmt.Sprintf("policy: bad calls type: %v", err))
	}
	policyArgs = abi.Arguments{
		{Type: uint256Ty},
		{Type: transfersTy},
		{Type: callsTy},
	}
}

// Encode produces the canonical byte encoding of a policy. Encoding is
// deterministic and lossless: Decode(Encode(p)) reproduces p exactly for
// any validated policy. A nil FeeLimit is rejected rather than defaulted.
func Encode(p *SessionPolicy) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("cannot encode nil policy")
	}
	if p.FeeLimit == nil {
		return nil, fmt.Errorf("cannot encode policy with nil feeLimit")
	}
	transfers := make([]TransferAllowance, 0, len(p.Transfers))
	for _, tr := range p.Transfers {
		if tr.Cap == nil {
			return nil, fmt.Errorf("cannot encode transfer allowance with nil cap (to %s)", tr.To.Hex())
		}
		transfers = append(transfers, tr)
	}
	calls := make([]CallAllowance, 0, len(p.Calls))
	for _, call := range p.Calls {
		if call.Constraints == nil {
			call.Constraints = []Constraint{}
		}
		calls = append(calls, call)
	}
	packed, err := policyArgs.Pack(p.FeeLimit, transfers, calls)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}
	return packed, nil
}

// Decode parses a canonical policy encoding. Any malformed input fails with
// an error; the decoder never substitutes a partial result.
func Decode(data []byte) (*SessionPolicy, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot decode empty policy encoding")
	}
	values, err := policyArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("failed to decode policy: expected 3 fields, got %d", len(values))
	}

	p := &SessionPolicy{
		FeeLimit: *abi.ConvertType(values[0], new(*big.Int)).(**big.Int),
	}
	transfers := *abi.ConvertType(values[1], new([]TransferAllowance)).(*[]TransferAllowance)
	if len(transfers) > 0 {
		p.Transfers = transfers
	}
	calls := *abi.ConvertType(values[2], new([]CallAllowance)).(*[]CallAllowance)
	for i := range calls {
		if len(calls[i].Constraints) == 0 {
			calls[i].Constraints = nil
		}
	}
	if len(calls) > 0 {
		p.Calls = calls
	}
	return p, nil
}
