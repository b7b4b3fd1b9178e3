// Package stratum implements a Stratum v1 mining server that publishes
// tasks to downstream workers.
package stratum

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineLen bounds a single stratum line.
const maxLineLen = 16 * 1024

// Request is a Stratum JSON-RPC request line.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is a Stratum JSON-RPC response line.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification is a server-initiated Stratum line (null id).
type Notification struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// Codec reads and writes newline-delimited JSON over a stream.
type Codec struct {
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	writeMu sync.Mutex
}

// NewCodec wraps a connection.
func NewCodec(conn io.ReadWriteCloser) *Codec {
	return &Codec{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxLineLen),
	}
}

// ReadRequest reads one request line.
func (c *Codec) ReadRequest() (*Request, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > maxLineLen {
		return nil, fmt.Errorf("stratum line exceeds %d bytes", maxLineLen)
	}

	req := &Request{}
	if err := json.Unmarshal(line, req); err != nil {
		return nil, fmt.Errorf("decode stratum request: %w", err)
	}
	return req, nil
}

// SendResponse writes one response line.
func (c *Codec) SendResponse(resp *Response) error {
	return c.writeLine(resp)
}

// SendNotification writes one notification line.
func (c *Codec) SendNotification(notif *Notification) error {
	return c.writeLine(notif)
}

func (c *Codec) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode stratum line: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
