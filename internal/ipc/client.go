package ipc

import (
	"fmt"
	"net"
	"time"
)

// Client is a blocking Unix domain socket client used by e2epoolctl to talk
// to a local agent daemon: one request, one response, connection closed.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient constructs a Client. timeout bounds both the connection attempt
// and the full request/response round trip.
func NewClient(socketPath string, timeout time.Duration) *Client {
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Request sends req and returns the agent's decoded response.
func (c *Client) Request(req map[string]interface{}) (map[string]interface{}, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: connect: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("ipc: set deadline: %w", err)
	}

	if err := Send(conn, req); err != nil {
		return nil, err
	}

	var resp map[string]interface{}
	if err := Recv(conn, &resp); err != nil {
		return nil, fmt.Errorf("ipc: agent closed connection: %w", err)
	}
	return resp, nil
}
