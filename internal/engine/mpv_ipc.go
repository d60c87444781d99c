package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// ipcCommand is the JSON structure sent to mpv's IPC socket.
type ipcCommand struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id,omitempty"`
}

// ipcMessage is anything mpv writes back: command replies carry request_id
// and error, events carry event (and name/data for property changes).
type ipcMessage struct {
	RequestID int64  `json:"request_id"`
	Error     string `json:"error"`
	Data      any    `json:"data"`
	Event     string `json:"event"`
	Name      string `json:"name"`
	Reason    string `json:"reason"`
	FileError string `json:"file_error"`
}

const (
	ipcMaxRetries   = 3
	ipcRetryDelay   = 100 * time.Millisecond
	ipcReplyTimeout = time.Second
)

var ipcRequestID atomic.Int64

// ipcClient issues one-shot commands over mpv's JSON IPC socket.
type ipcClient struct {
	socketPath string
}

// call sends command and returns the reply data, retrying transient
// connection errors.
func (c *ipcClient) call(command ...any) (any, error) {
	var lastErr error
	for attempt := 0; attempt < ipcMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(ipcRetryDelay)
		}
		data, transient, err := c.callOnce(command)
		if err == nil {
			return data, nil
		}
		if !transient {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("ipc command %v failed after %d attempts: %w", command, ipcMaxRetries, lastErr)
}

func (c *ipcClient) callOnce(command []any) (data any, transient bool, err error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, true, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	id := ipcRequestID.Add(1)
	payload, err := json.Marshal(ipcCommand{Command: command, RequestID: id})
	if err != nil {
		return nil, false, fmt.Errorf("marshal: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, true, fmt.Errorf("write: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(ipcReplyTimeout)); err != nil {
		return nil, true, fmt.Errorf("set deadline: %w", err)
	}

	// mpv interleaves broadcast events with replies; skip until ours.
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg ipcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Event != "" || msg.RequestID != id {
			continue
		}
		if msg.Error != "" && msg.Error != "success" {
			return nil, false, fmt.Errorf("mpv error: %s", msg.Error)
		}
		return msg.Data, false, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, true, fmt.Errorf("read: %w", err)
	}
	return nil, true, fmt.Errorf("read: connection closed before reply")
}

func (c *ipcClient) setProperty(name string, value any) error {
	_, err := c.call("set_property", name, value)
	return err
}

func (c *ipcClient) floatProperty(name string) (float64, error) {
	data, err := c.call("get_property", name)
	if err != nil {
		return 0, err
	}
	f, ok := data.(float64)
	if !ok {
		return 0, fmt.Errorf("property %s: unexpected value %T", name, data)
	}
	return f, nil
}
