package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	sidekick "github.com/snapshot-labs/sidekick"
)

const jsonrpcVersion = "2.0"

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *rpcErrorBody `json:"error,omitempty"`
	ID      string        `json:"id"`
}

func rpcSuccess(w http.ResponseWriter, status int, result any, id string) {
	writeJSON(w, status, rpcResponse{JSONRPC: jsonrpcVersion, Result: result, ID: id})
}

// rpcError writes the error envelope for err. The message is the error's
// reason; the cause is only logged.
func (s *Server) rpcError(w http.ResponseWriter, r *http.Request, err error, id string) {
	reason := sidekick.ReasonOf(err)
	status := reason.Status()

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "id", id, "reason", reason, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "id", id, "reason", reason, "error", err)
	}

	writeJSON(w, status, rpcResponse{
		JSONRPC: jsonrpcVersion,
		Error:   &rpcErrorBody{Code: status, Message: string(reason)},
		ID:      id,
	})
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		return sidekick.Wrap(sidekick.ReasonInvalidRequest, fmt.Errorf("decoding request body: %w", err))
	}
	return nil
}
