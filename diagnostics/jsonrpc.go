package diagnostics

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/GoCodeAlone/modkernel"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string              `json:"jsonrpc"`
	Method  string              `json:"method"`
	Params  modkernel.RPCParams `json:"params,omitempty"`
	ID      json.RawMessage     `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// rpc serves single JSON-RPC 2.0 requests against the method registry.
// Requests without an id are notifications and get no body.
func (h *handlers) rpc(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{Error: &rpcError{Code: codeParseError, Message: err.Error()}, ID: json.RawMessage("null")})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}, ID: idOrNull(req.ID)})
		return
	}

	result, err := h.backend.Kernel().RPC().Call(r.Context(), req.Method, req.Params)
	if len(req.ID) == 0 {
		if err != nil {
			h.logger.Warn("RPC notification failed", "method", req.Method, "error", err)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := rpcResponse{ID: req.ID}
	if err != nil {
		resp.Error = &rpcError{Code: errorCode(err), Message: err.Error()}
	} else {
		resp.Result = result
	}
	writeRPC(w, resp)
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, modkernel.ErrRPCMethodNotFound):
		return codeMethodNotFound
	case errors.Is(err, modkernel.ErrInvalidRPCParams):
		return codeInvalidParams
	default:
		return codeInternalError
	}
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	resp.JSONRPC = "2.0"
	writeJSON(w, http.StatusOK, resp)
}
