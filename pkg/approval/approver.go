package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Latchkey-Labs/latchkey-go/pkg/policy"
	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"go.uber.org/zap"
)

// Approver decides handshakes and interactive transaction approvals. A
// production surface prompts the user here; false means the user declined,
// an error means the decision itself could not be made.
type Approver interface {
	ApproveHandshake(ctx context.Context, app types.AppMetadata, pol *policy.SessionPolicy, ttl time.Duration) (bool, error)
	ApproveTransaction(ctx context.Context, app types.AppMetadata, tx *types.TransactionRequest) (bool, error)
}

// AutoApprover approves everything. Development and integration tests only.
type AutoApprover struct {
	logger *zap.Logger
}

func NewAutoApprover(logger *zap.Logger) *AutoApprover {
	return &AutoApprover{logger: logger}
}

func (a *AutoApprover) ApproveHandshake(ctx context.Context, app types.AppMetadata, pol *policy.SessionPolicy, ttl time.Duration) (bool, error) {
	a.logger.Sugar().Infow("Auto-approving handshake", "app", app.Name, "origin", app.Origin, "ttl", ttl)
	return true, nil
}

func (a *AutoApprover) ApproveTransaction(ctx context.Context, app types.AppMetadata, tx *types.TransactionRequest) (bool, error) {
	a.logger.Sugar().Infow("Auto-approving transaction", "app", app.Name, "to", tx.To, "value", tx.Value)
	return true, nil
}

// FuncApprover adapts plain decision functions to the Approver interface.
// A nil function approves.
type FuncApprover struct {
	OnHandshake   func(ctx context.Context, app types.AppMetadata, pol *policy.SessionPolicy, ttl time.Duration) (bool, error)
	OnTransaction func(ctx context.Context, app types.AppMetadata, tx *types.TransactionRequest) (bool, error)
}

func (f *FuncApprover) ApproveHandshake(ctx context.Context, app types.AppMetadata, pol *policy.SessionPolicy, ttl time.Duration) (bool, error) {
	if f.OnHandshake == nil {
		return true, nil
	}
	return f.OnHandshake(ctx, app, pol, ttl)
}

func (f *FuncApprover) ApproveTransaction(ctx context.Context, app types.AppMetadata, tx *types.TransactionRequest) (bool, error) {
	if f.OnTransaction == nil {
		return true, nil
	}
	return f.OnTransaction(ctx, app, tx)
}

// TerminalApprover prompts on a terminal and reads a y/n answer. Prompts
// are serialized so concurrent channels cannot interleave their questions.
type TerminalApprover struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex
}

func NewTerminalApprover(in io.Reader, out io.Writer) *TerminalApprover {
	return &TerminalApprover{in: bufio.NewReader(in), out: out}
}

func (t *TerminalApprover) ApproveHandshake(ctx context.Context, app types.AppMetadata, pol *policy.SessionPolicy, ttl time.Duration) (bool, error) {
	summary := "no session (interactive approval only)"
	if pol != nil {
		summary = fmt.Sprintf("session for %s: fee limit %s, %d transfer allowance(s), %d call allowance(s)",
			ttl, pol.FeeLimit, len(pol.Transfers), len(pol.Calls))
	}
	return t.prompt(fmt.Sprintf("App %q (%s) requests a connection.\n  %s\nApprove? [y/N] ", app.Name, app.Origin, summary))
}

func (t *TerminalApprover) ApproveTransaction(ctx context.Context, app types.AppMetadata, tx *types.TransactionRequest) (bool, error) {
	to := "contract creation"
	if tx.To != nil {
		to = tx.To.Hex()
	}
	return t.prompt(fmt.Sprintf("App %q asks to send to %s (value %s, chain %d).\nApprove? [y/N] ",
		app.Name, to, tx.Value, tx.ChainID))
}

func (t *TerminalApprover) prompt(question string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprint(t.out, question); err != nil {
		return false, err
	}
	line, err := t.in.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
