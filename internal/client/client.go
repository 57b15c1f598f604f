// Package client provides the library side of the wire protocol: connect,
// send one request, decode one response.
package client

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/kaiwk/kvs/internal/engine"
	"github.com/kaiwk/kvs/internal/protocol"
)

// Client issues one-shot requests against a server address. A fresh
// connection is made per operation, matching the one request per
// connection protocol.
type Client struct {
	addr string
}

// New returns a client for the server at addr.
func New(addr string) *Client {
	return &Client{addr: addr}
}

// roundTrip performs one connect/request/response exchange.
func (c *Client) roundTrip(req protocol.Request) (protocol.Response, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	defer conn.Close()

	if err := protocol.WriteRequest(conn, req); err != nil {
		return protocol.Response{}, err
	}
	resp, err := protocol.ReadResponse(conn, req.Op)
	if err != nil {
		return protocol.Response{}, err
	}

	slog.Debug("client: exchange complete",
		"op", string(req.Op),
		"key", req.Key,
		"status", resp.Status)
	return resp, nil
}

// Set stores a key-value pair on the server.
func (c *Client) Set(key, value string) error {
	resp, err := c.roundTrip(protocol.Request{Op: protocol.OpSet, Key: key, Value: value})
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("server failed to set key %s", key)
	}
	return nil
}

// Get retrieves the value for key. A miss yields ok=false, not an error.
func (c *Client) Get(key string) (string, bool, error) {
	resp, err := c.roundTrip(protocol.Request{Op: protocol.OpGet, Key: key})
	if err != nil {
		return "", false, err
	}
	if resp.Status != protocol.StatusOK {
		if resp.HasValue && resp.Value == protocol.KeyNotFoundMessage {
			return "", false, nil
		}
		return "", false, fmt.Errorf("server failed to get key %s", key)
	}
	return resp.Value, true, nil
}

// Remove deletes key on the server. Removing an absent key returns a
// *engine.NotFoundError, mirroring the engine contract.
func (c *Client) Remove(key string) error {
	resp, err := c.roundTrip(protocol.Request{Op: protocol.OpRemove, Key: key})
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOK {
		if resp.HasValue && resp.Value == protocol.KeyNotFoundMessage {
			return &engine.NotFoundError{Key: key}
		}
		return fmt.Errorf("server failed to remove key %s", key)
	}
	return nil
}
