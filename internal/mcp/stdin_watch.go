package mcp

import (
	"context"
	"os"
	"time"

	"gampwise/internal/logging"
)

// WatchParent cancels the server when its parent process goes away, so a
// stdio server whose client exited does not linger with open consultations.
//
// It must not read stdin: the SDK's StdioTransport owns it, and stolen bytes
// corrupt the JSON-RPC stream.
func WatchParent(ctx context.Context, interval time.Duration, cancelFn context.CancelFunc) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ppid := os.Getppid()
	logger := logging.New("mcp")
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if os.Getppid() != ppid {
					logger.Warn("parent process exited, shutting down", "parent_pid", ppid)
					cancelFn()
					return
				}
			}
		}
	}()
}
