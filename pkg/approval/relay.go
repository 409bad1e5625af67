package approval

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MethodRelaySend is the relay's JSON-RPC method for submitting a signed
// session request.
const MethodRelaySend = "latchkey_sendTransaction"

type relayRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type relayResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *types.RPCError `json:"error,omitempty"`
}

// handleRelay accepts signed session requests over JSON-RPC, checks them
// against the registered session policies and forwards the accepted ones
// on-chain. This is the enforcement boundary: a signature alone grants
// nothing until the policy check passes.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRelayResponse(w, &relayResponse{JSONRPC: "2.0", Error: &types.RPCError{Code: -32700, Message: "parse error"}})
		return
	}
	resp := &relayResponse{JSONRPC: "2.0", ID: req.ID}

	if req.Method != MethodRelaySend {
		resp.Error = &types.RPCError{Code: -32601, Message: "method not found"}
		writeRelayResponse(w, resp)
		return
	}
	if len(req.Params) != 2 {
		resp.Error = &types.RPCError{Code: -32602, Message: "expected [transaction, signature]"}
		writeRelayResponse(w, resp)
		return
	}

	var tx types.TransactionRequest
	if err := json.Unmarshal(req.Params[0], &tx); err != nil {
		resp.Error = &types.RPCError{Code: -32602, Message: "malformed transaction"}
		writeRelayResponse(w, resp)
		return
	}
	var signature hexutil.Bytes
	if err := json.Unmarshal(req.Params[1], &signature); err != nil {
		resp.Error = &types.RPCError{Code: -32602, Message: "malformed signature"}
		writeRelayResponse(w, resp)
		return
	}

	if err := s.enforcer.Check(signature, &tx); err != nil {
		var rpcErr *types.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = types.NewPolicyViolationError(err.Error())
		}
		s.logger.Sugar().Infow("Relay rejected request", "code", rpcErr.Code, "reason", rpcErr.Message)
		resp.Error = rpcErr
		writeRelayResponse(w, resp)
		return
	}

	digest, err := tx.Digest()
	if err != nil {
		resp.Error = &types.RPCError{Code: -32602, Message: "cannot encode transaction"}
		writeRelayResponse(w, resp)
		return
	}
	chain := s.cfg.ChainByID(tx.ChainID)
	rpcURL := ""
	if chain != nil {
		rpcURL = chain.RPCURL
	}
	hash, err := s.submit(r.Context(), rpcURL, &tx, signature, digest)
	if err != nil {
		s.logger.Sugar().Errorw("Relay submission failed", "error", err)
		resp.Error = &types.RPCError{Code: -32603, Message: "submission failed"}
		writeRelayResponse(w, resp)
		return
	}

	resp.Result = hash.Hex()
	writeRelayResponse(w, resp)
}

func writeRelayResponse(w http.ResponseWriter, resp *relayResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
