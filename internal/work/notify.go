package work

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BlockNotifyListener accepts one-shot TCP connections from the
// daemon's blocknotify hook. Each connection delivers a single hash
// string; a distinct new hash triggers a template refresh.
type BlockNotifyListener struct {
	logger  *zap.Logger
	addr    string
	refresh func()

	lastNotifiedHash string
}

// NewBlockNotifyListener creates a listener that calls refresh on every
// new distinct block hash.
func NewBlockNotifyListener(host string, port int, refresh func(), logger *zap.Logger) *BlockNotifyListener {
	return &BlockNotifyListener{
		logger:  logger,
		addr:    fmt.Sprintf("%s:%d", host, port),
		refresh: refresh,
	}
}

// Run listens until the context is cancelled.
func (l *BlockNotifyListener) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}
	defer ln.Close()
	l.logger.Info("Block notify listener started", zap.String("addr", l.addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("Block notify accept failed", zap.Error(err))
			continue
		}
		l.handle(conn)
	}
}

// handle reads the single hash a connection carries and closes it.
func (l *BlockNotifyListener) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		l.logger.Debug("Block notify read failed", zap.Error(err))
		return
	}
	hash := strings.TrimSpace(line)
	if hash == "" {
		return
	}
	if hash == l.lastNotifiedHash {
		l.logger.Debug("Duplicate block notify", zap.String("hash", hash))
		return
	}
	l.lastNotifiedHash = hash

	l.logger.Info("Block notify", zap.String("hash", hash))
	l.refresh()
}
