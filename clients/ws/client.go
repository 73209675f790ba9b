// Package ws provides a WebSocket client for the taskrelay gateway.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/dohr-michael/taskrelay/internal/gateway/ws"
)

// Client is a WebSocket client for the taskrelay gateway.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

func (c *Client) request(method wsprotocol.Method, params any) error {
	seq := atomic.AddUint64(&c.reqSeq, 1)

	data, err := json.Marshal(params)
	if err != nil {
		return err
	}

	frame := wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     fmt.Sprintf("req-%d", seq),
		Method: string(method),
		Params: data,
	}

	raw, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return err
	}

	return c.conn.Write(c.ctx, websocket.MessageText, raw)
}

// ListTasks requests the current task snapshot of a source.
func (c *Client) ListTasks(sourceName string) error {
	return c.request(wsprotocol.MethodListTasks, map[string]string{"source": sourceName})
}

// GetTask requests a single task by id.
func (c *Client) GetTask(sourceName, taskID string) error {
	return c.request(wsprotocol.MethodGetTask, map[string]string{
		"source":  sourceName,
		"task_id": taskID,
	})
}

// PollNow asks the gateway to poll a source immediately.
func (c *Client) PollNow(sourceName string) error {
	return c.request(wsprotocol.MethodPollNow, map[string]string{"source": sourceName})
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
