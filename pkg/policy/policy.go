package policy

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Constraint operators. A constraint pins one positional parameter of the
// target call: OpEqual requires the 32-byte word to equal Ref, OpBoundedBy
// requires it to be numerically less than or equal to Ref.
const (
	OpEqual     uint8 = 0
	OpBoundedBy uint8 = 1
)

// SessionPolicy is the declarative scope an application requests at
// handshake time. It is transmitted verbatim in its canonical encoding and
// becomes the scope the policy enforcer checks every subsequent signed
// request against. The client never enforces it.
type SessionPolicy struct {
	// FeeLimit caps the total gas fees a session may spend, in wei.
	FeeLimit *big.Int `json:"feeLimit"`

	// Transfers enumerates recipients the session may move value to.
	Transfers []TransferAllowance `json:"transfers,omitempty"`

	// Calls enumerates contract functions the session may invoke.
	Calls []CallAllowance `json:"calls,omitempty"`
}

// TransferAllowance caps value transfers to a single recipient. Period 0
// makes Cap a lifetime cap; a non-zero Period makes it a recurring
// allowance that resets every Period seconds, with windows counted from the
// session's own start rather than calendar time.
type TransferAllowance struct {
	To     common.Address `json:"to"`
	Cap    *big.Int       `json:"cap"`
	Period uint64         `json:"period,omitempty"`
}

// CallAllowance permits calls to one function of one contract, identified
// by its 4-byte selector. Constraints restrict individual parameters.
type CallAllowance struct {
	Target      common.Address `json:"target"`
	Selector    [4]byte        `json:"selector"`
	Constraints []Constraint   `json:"constraints,omitempty"`
}

// Constraint restricts one parameter of an allowed call. Parameters are
// addressed by position in the function signature, never by name: the
// enforcer only sees positional call data.
type Constraint struct {
	ParamIndex uint16   `json:"paramIndex"`
	Op         uint8    `json:"op"`
	Ref        [32]byte `json:"ref"`
}

// Validate checks the policy is well-formed before it is encoded and sent.
func (p *SessionPolicy) Validate() error {
	var allErrors field.ErrorList
	if p.FeeLimit == nil {
		allErrors = append(allErrors, field.Required(field.NewPath("feeLimit"), "feeLimit is required"))
	} else if p.FeeLimit.Sign() < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("feeLimit"), p.FeeLimit.String(), "must not be negative"))
	}
	for i, tr := range p.Transfers {
		tp := field.NewPath("transfers").Index(i)
		if tr.Cap == nil {
			allErrors = append(allErrors, field.Required(tp.Child("cap"), "cap is required"))
		} else if tr.Cap.Sign() < 0 {
			allErrors = append(allErrors, field.Invalid(tp.Child("cap"), tr.Cap.String(), "must not be negative"))
		}
	}
	type callKey struct {
		target   common.Address
		selector [4]byte
	}
	seen := make(map[callKey]bool)
	for i, call := range p.Calls {
		cp := field.NewPath("calls").Index(i)
		key := callKey{call.Target, call.Selector}
		if seen[key] {
			allErrors = append(allErrors, field.Duplicate(cp, common.Bytes2Hex(call.Selector[:])))
		}
		seen[key] = true
		for j, c := range call.Constraints {
			if c.Op != OpEqual && c.Op != OpBoundedBy {
				allErrors = append(allErrors, field.NotSupported(cp.Child("constraints").Index(j).Child("op"), c.Op, []string{"0 (equal)", "1 (boundedBy)"}))
			}
		}
	}
	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// AllowanceFor returns the transfer allowance for a recipient, or nil when
// the policy grants none.
func (p *SessionPolicy) AllowanceFor(to common.Address) *TransferAllowance {
	for i := range p.Transfers {
		if p.Transfers[i].To == to {
			return &p.Transfers[i]
		}
	}
	return nil
}

// CallAllowanceFor returns the call allowance matching (target, selector),
// or nil when the policy grants none.
func (p *SessionPolicy) CallAllowanceFor(target common.Address, selector [4]byte) *CallAllowance {
	for i := range p.Calls {
		if p.Calls[i].Target == target && p.Calls[i].Selector == selector {
			return &p.Calls[i]
		}
	}
	return nil
}

// Equal reports structural equality, comparing big.Int amounts by value.
func (p *SessionPolicy) Equal(o *SessionPolicy) bool {
	if p == nil || o == nil {
		return p == o
	}
	if !bigEqual(p.FeeLimit, o.FeeLimit) {
		return false
	}
	if len(p.Transfers) != len(o.Transfers) || len(p.Calls) != len(o.Calls) {
		return false
	}
	for i := range p.Transfers {
		a, b := p.Transfers[i], o.Transfers[i]
		if a.To != b.To || a.Period != b.Period || !bigEqual(a.Cap, b.Cap) {
			return false
		}
	}
	for i := range p.Calls {
		a, b := p.Calls[i], o.Calls[i]
		if a.Target != b.Target || a.Selector != b.Selector || len(a.Constraints) != len(b.Constraints) {
			return false
		}
		for j := range a.Constraints {
			if a.Constraints[j] != b.Constraints[j] {
				return false
			}
		}
	}
	return true
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
