package execpipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/containerd/fifo"
)

// NotifyBaseDir holds the per-unit named pipes a Type=notify service's
// NOTIFY_SOCKET points at.
const NotifyBaseDir = "/run/coreinit/notify"

// NotifyMessage is one parsed sd_notify-style datagram: READY=1,
// STATUS=..., WATCHDOG=1, MAINPID=..., etc., as a set of key/value pairs.
type NotifyMessage map[string]string

// Ready reports whether this message carries READY=1.
func (m NotifyMessage) Ready() bool { return m["READY"] == "1" }

// Watchdog reports whether this message carries WATCHDOG=1.
func (m NotifyMessage) Watchdog() bool { return m["WATCHDOG"] == "1" }

// NotifyChannel is a unit's dedicated non-blocking notify pipe: a named
// pipe opened with containerd/fifo rather than a bare os.Pipe, so the
// listener side survives a reader restart the way a stdio fifo does in a
// shim, and so NOTIFY_SOCKET can be handed to the child as a plain path.
type NotifyChannel struct {
	path string
	rwc  interface {
		Read([]byte) (int, error)
		Close() error
	}
}

// OpenNotifyChannel creates (if needed) and opens unitID's notify fifo,
// ready to have its path exported to the child as NOTIFY_SOCKET.
func OpenNotifyChannel(ctx context.Context, unitID string) (*NotifyChannel, error) {
	if err := os.MkdirAll(NotifyBaseDir, 0755); err != nil {
		return nil, fmt.Errorf("create notify dir: %w", err)
	}
	path := filepath.Join(NotifyBaseDir, unitID+".notify")

	f, err := fifo.OpenFifo(ctx, path, syscall.O_CREAT|syscall.O_RDWR|syscall.O_NONBLOCK, 0600)
	if err != nil {
		return nil, fmt.Errorf("open notify fifo %s: %w", path, err)
	}
	return &NotifyChannel{path: path, rwc: f}, nil
}

// Path is the filesystem path to export as NOTIFY_SOCKET.
func (c *NotifyChannel) Path() string { return c.path }

// ReadMessage reads and parses one newline-delimited KEY=VALUE block from
// the fifo. Callers drive this from the event loop's fd-readiness source,
// not from a dedicated goroutine.
func (c *NotifyChannel) ReadMessage() (NotifyMessage, error) {
	scanner := bufio.NewScanner(c.rwc)
	msg := make(NotifyMessage)
	for scanner.Scan() {
		line := scanner.Text()
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		msg[k] = v
	}
	return msg, scanner.Err()
}

// Close removes the channel's fifo file and releases its fd.
func (c *NotifyChannel) Close() error {
	err := c.rwc.Close()
	os.Remove(c.path)
	return err
}
