package extinstall

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"
)

// cdpClient is a minimal synchronous Chrome DevTools Protocol client: one command in
// flight at a time, matched to its response by id. It exists only to drive the two
// commands induce-install needs (Page.navigate, Runtime.evaluate); anything richer
// belongs in the CDP reverse proxy, not here.
type cdpClient struct {
	conn  *websocket.Conn
	msgID atomic.Int64
}

func dialCDP(ctx context.Context, wsURL string) (*cdpClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools websocket: %w", err)
	}
	return &cdpClient{conn: conn}, nil
}

func (c *cdpClient) Close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// call sends method/params and waits for the matching response id, ignoring any
// unrelated events/notifications received in the meantime.
func (c *cdpClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.msgID.Add(1)
	req := map[string]any{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	for {
		_, msg, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read response to %s: %w", method, err)
		}
		var resp struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// navigateAndEval navigates the page to targetURL, then evaluates expression on it.
// Used to open chrome://policy and trigger its reload hook without a full Target/Page
// session handshake — it is a top-level browser page reachable directly over the
// DevTools websocket's default target. Browser restarts do not go through this client.
func (c *cdpClient) navigateAndEval(ctx context.Context, targetURL, expression string) error {
	if _, err := c.call(ctx, "Page.navigate", map[string]any{"url": targetURL}); err != nil {
		return err
	}
	if expression == "" {
		return nil
	}
	_, err := c.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"awaitPromise":  false,
		"returnByValue": true,
	})
	return err
}
