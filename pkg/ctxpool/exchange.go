package ctxpool

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// protocolVersion is the fixed handshake token sent to every backend.
	protocolVersion = "2024-11-05"
	// clientName identifies the proxy in the handshake.
	clientName = "mcp-env-proxy"
	// requestPacing spaces the writes within one exchange so line-buffered
	// backends are not overwhelmed.
	requestPacing = 50 * time.Millisecond
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func handshakeRequest(id int64, clientVersion string) rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"clientInfo": map[string]any{
				"name":    clientName,
				"version": clientVersion,
			},
		},
	}
}

// exchange writes requests in order, pacing them, while collecting
// id-matched responses until want responses arrived or timeout elapsed.
// Responses may arrive interleaved, batched, or out of order. On timeout the
// partial set collected so far is returned without error; a failed write is
// fatal for the exchange.
func exchange(ctx context.Context, t *transport, requests []rpcRequest, want int, timeout time.Duration) (map[int64]rpcResponse, error) {
	writeErr := make(chan error, 1)
	go func() {
		for i, req := range requests {
			if i > 0 {
				time.Sleep(requestPacing)
			}
			if err := t.send(req); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	ids := make(map[int64]struct{}, len(requests))
	for _, req := range requests {
		ids[req.ID] = struct{}{}
	}

	responses := make(map[int64]rpcResponse, want)
	deadline := time.Now().Add(timeout)
	for len(responses) < want {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		line, err := t.receiveLine(ctx, remaining)
		if err != nil {
			if ctx.Err() != nil {
				return responses, ctx.Err()
			}
			// Timeout or closed stream: hand back what arrived.
			break
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Debug("skipping undecodable response line",
				"context", t.contextName, "error", err)
			continue
		}
		if _, ok := ids[resp.ID]; !ok {
			// A straggler from an earlier, timed-out exchange.
			t.logger.Debug("skipping response with unknown id",
				"context", t.contextName, "id", resp.ID)
			continue
		}
		responses[resp.ID] = resp
	}

	if err := <-writeErr; err != nil {
		return responses, err
	}
	return responses, nil
}
