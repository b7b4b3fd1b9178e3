package stratum

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sharenet-dev/sharenet/internal/metrics"
	"github.com/sharenet-dev/sharenet/internal/work"
)

const (
	// connReadTimeout is how long to wait for data from a miner before
	// considering the connection dead. Reset after each successful read.
	connReadTimeout = 5 * time.Minute

	// tcpKeepAliveInterval is the TCP keepalive probe interval.
	tcpKeepAliveInterval = 30 * time.Second
)

// Server is a Stratum v1 mining server. It implements work.Publisher:
// published tasks become mining.notify broadcasts.
type Server struct {
	listener net.Listener
	logger   *zap.Logger

	sessions   map[string]*Session
	sessionsMu sync.RWMutex

	submitCh chan *ShareSubmission

	// Extranonce allocation
	extranonceCounter atomic.Uint64
	extranonce2Size   int

	// Initial difficulty for new miners (vardiff adjusts from here)
	startDifficulty float64

	// Most recently published task, replayed to newly authorized miners
	currentTask   *work.Task
	currentTaskMu sync.RWMutex

	maxSessions int

	ready     chan struct{}
	readyOnce sync.Once

	cancel context.CancelFunc
}

// NewServer creates a new Stratum server. The extranonce2 size is
// whatever remains of the task's extranonce window after the 4-byte
// per-session extranonce1.
func NewServer(startDifficulty float64, logger *zap.Logger) *Server {
	return &Server{
		logger:          logger,
		sessions:        make(map[string]*Session),
		submitCh:        make(chan *ShareSubmission, 256),
		extranonce2Size: work.ExtranonceSize - 4,
		startDifficulty: startDifficulty,
		maxSessions:     1000,
		ready:           make(chan struct{}),
	}
}

// Start begins listening on the given address and marks the publisher
// ready.
func (s *Server) Start(addr string) error {
	var err error
	s.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.logger.Info("stratum server listening", zap.String("addr", addr))

	go s.acceptLoop(ctx)
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.sessionsMu.Lock()
	for _, session := range s.sessions {
		session.Close()
	}
	s.sessions = make(map[string]*Session)
	s.sessionsMu.Unlock()

	return nil
}

// Ready returns a channel closed once the server can deliver tasks.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Publish implements work.Publisher: the task goes out to every
// authorized miner as mining.notify.
func (s *Server) Publish(_ context.Context, task *work.Task) error {
	s.currentTaskMu.Lock()
	s.currentTask = task
	s.currentTaskMu.Unlock()

	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	for _, session := range s.sessions {
		if session.State == StateAuthorized {
			if err := session.NotifyTask(task); err != nil {
				s.logger.Warn("failed to notify miner", zap.String("session", session.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// SubmitChannel returns the channel of share submissions.
func (s *Server) SubmitChannel() <-chan *ShareSubmission {
	return s.submitCh
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("accept error", zap.Error(err))
				continue
			}
		}

		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	s.sessionsMu.RLock()
	atCapacity := len(s.sessions) >= s.maxSessions
	s.sessionsMu.RUnlock()
	if atCapacity {
		s.logger.Warn("stratum session limit reached, rejecting connection",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Int("max_sessions", s.maxSessions),
		)
		conn.Close()
		return
	}

	// Enable TCP keepalive to detect dead connections
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(tcpKeepAliveInterval)
	}

	// Allocate unique extranonce1
	id := s.extranonceCounter.Add(1)
	extranonce1 := fmt.Sprintf("%08x", id)
	sessionID := extranonce1

	codec := NewCodec(conn)
	session := NewSession(sessionID, codec, extranonce1, s.extranonce2Size, s.startDifficulty, s.submitCh, s.logger)

	s.sessionsMu.Lock()
	s.sessions[sessionID] = session
	metrics.StratumSessions.Set(float64(len(s.sessions)))
	s.sessionsMu.Unlock()

	s.logger.Info("miner connected", zap.String("session", sessionID), zap.String("remote", conn.RemoteAddr().String()))

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, sessionID)
		metrics.StratumSessions.Set(float64(len(s.sessions)))
		s.sessionsMu.Unlock()
		session.Close()
		s.logger.Info("miner disconnected", zap.String("session", sessionID))
	}()

	initialTaskSent := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Set read deadline so we detect dead connections instead of
		// blocking forever.
		conn.SetReadDeadline(time.Now().Add(connReadTimeout))

		req, err := codec.ReadRequest()
		if err != nil {
			s.logger.Debug("read error", zap.String("session", sessionID), zap.Error(err))
			return
		}

		if err := session.HandleRequest(req); err != nil {
			s.logger.Error("handle error", zap.String("session", sessionID), zap.Error(err))
			return
		}

		// Once a miner is authorized, immediately send the current task
		// so it can start mining without waiting for the next template.
		if !initialTaskSent && session.State == StateAuthorized {
			s.currentTaskMu.RLock()
			task := s.currentTask
			s.currentTaskMu.RUnlock()
			if task != nil {
				if err := session.NotifyTask(task); err != nil {
					s.logger.Warn("failed to send initial task", zap.String("session", sessionID), zap.Error(err))
				}
			} else {
				s.logger.Warn("no task available for newly authorized miner", zap.String("session", sessionID))
			}
			initialTaskSent = true
		}
	}
}
