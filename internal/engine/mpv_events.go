package engine

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// observedProperties are watched on the listener connection; mpv only sends
// property-change events to the client that asked for them. End of stream
// arrives as the end-file event instead.
var observedProperties = []string{
	"pause",
	"seeking",
	"paused-for-cache",
	"track-list",
}

// propertyHandler receives mpv events read by an eventListener.
type propertyHandler interface {
	handleProperty(name string, data any)
	handleEvent(msg ipcMessage)
}

// eventListener keeps a persistent IPC connection open and dispatches
// property changes and player events.
type eventListener struct {
	socketPath string
	handler    propertyHandler
	log        *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	done chan struct{}
}

func newEventListener(socketPath string, handler propertyHandler, log *slog.Logger) *eventListener {
	return &eventListener{socketPath: socketPath, handler: handler, log: log}
}

// Start connects, subscribes to observedProperties and starts the read loop.
func (el *eventListener) Start() error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.conn != nil {
		return nil
	}

	conn, err := net.Dial("unix", el.socketPath)
	if err != nil {
		return fmt.Errorf("event listener connect: %w", err)
	}
	for i, name := range observedProperties {
		payload, err := json.Marshal(ipcCommand{Command: []any{"observe_property", i + 1, name}})
		if err != nil {
			conn.Close()
			return fmt.Errorf("observe %s: %w", name, err)
		}
		if _, err := conn.Write(append(payload, '\n')); err != nil {
			conn.Close()
			return fmt.Errorf("observe %s: %w", name, err)
		}
	}

	el.conn = conn
	el.done = make(chan struct{})
	go el.readLoop(conn, el.done)

	el.log.Debug("mpv event listener started", slog.String("socket", el.socketPath))
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (el *eventListener) Stop() {
	el.mu.Lock()
	conn, done := el.conn, el.done
	el.conn = nil
	el.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	<-done
}

func (el *eventListener) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			el.dispatch(line)
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				el.log.Debug("mpv event listener stopped", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (el *eventListener) dispatch(line []byte) {
	var msg ipcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}
	switch msg.Event {
	case "":
		// command reply
	case "property-change":
		el.handler.handleProperty(msg.Name, msg.Data)
	default:
		el.handler.handleEvent(msg)
	}
}
