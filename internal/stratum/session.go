package stratum

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sharenet-dev/sharenet/internal/metrics"
	"github.com/sharenet-dev/sharenet/internal/work"
)

// SessionState tracks a miner's progress through the stratum handshake.
type SessionState int

const (
	StateConnected SessionState = iota
	StateSubscribed
	StateAuthorized
)

// VersionRollingMask is the set of block-version bits a miner may roll
// for extra nonce space (BIP 310): bits 13 through 28.
const VersionRollingMask = "1fffe000"

// maxWorkerNameLen truncates absurd worker names before they reach the
// logs.
const maxWorkerNameLen = 256

// ShareSubmission is one mining.submit resolved against its session.
// TaskID names the published task; the node looks it back up to
// reconstruct the header.
type ShareSubmission struct {
	SessionID   string
	Worker      string
	TaskID      string
	Extranonce1 string
	Extranonce2 string
	NTime       string
	Nonce       string

	// VersionBits carries the rolled version bits when the session
	// negotiated version rolling, empty otherwise.
	VersionBits string

	// Difficulty the session was at when the share arrived. A submit
	// racing a retarget is judged against PrevDifficulty as well.
	Difficulty     float64
	PrevDifficulty float64
}

// Session is one miner connection working through the handshake and
// submitting shares against published tasks.
type Session struct {
	mu sync.Mutex

	ID      string
	State   SessionState
	Vardiff *Vardiff

	codec  *Codec
	logger *zap.Logger

	worker          string
	extranonce1     string
	extranonce2Size int

	// rollMask is the negotiated version-rolling mask, empty until the
	// miner configures the extension.
	rollMask string

	out     chan<- *ShareSubmission
	limiter *rate.Limiter
}

// NewSession wraps a codec in a session. extranonce1 doubles as the
// session identity; submissions land on out.
func NewSession(id string, codec *Codec, extranonce1 string, extranonce2Size int, startDifficulty float64, out chan *ShareSubmission, logger *zap.Logger) *Session {
	return &Session{
		ID:              id,
		State:           StateConnected,
		Vardiff:         NewVardiff(startDifficulty),
		codec:           codec,
		logger:          logger.With(zap.String("session", id)),
		extranonce1:     extranonce1,
		extranonce2Size: extranonce2Size,
		out:             out,
		limiter:         rate.NewLimiter(100, 20),
	}
}

// HandleRequest dispatches a single stratum request.
func (s *Session) HandleRequest(req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Method {
	case "mining.configure":
		return s.handleConfigure(req)
	case "mining.subscribe":
		return s.handleSubscribe(req)
	case "mining.authorize":
		return s.handleAuthorize(req)
	case "mining.suggest_difficulty":
		return s.handleSuggestDifficulty(req)
	case "mining.submit":
		return s.handleSubmit(req)
	case "mining.extranonce.subscribe":
		return s.sendResult(req.ID, true)
	default:
		s.logger.Debug("unknown method", zap.String("method", req.Method))
		return s.sendError(req.ID, 20, "Unknown method")
	}
}

// handleConfigure negotiates stratum extensions. Only version rolling
// is supported; everything else is answered false.
func (s *Session) handleConfigure(req *Request) error {
	extensions, params := parseConfigure(req.Params)

	result := make(map[string]interface{}, len(extensions))
	for _, ext := range extensions {
		if ext != "version-rolling" {
			result[ext] = false
			continue
		}

		mask := VersionRollingMask
		if minerMask, ok := params["version-rolling.mask"]; ok {
			mask = intersectMasks(minerMask, VersionRollingMask)
		}
		s.rollMask = mask
		result["version-rolling"] = true
		result["version-rolling.mask"] = mask
		s.logger.Debug("version rolling configured", zap.String("mask", mask))
	}

	return s.sendResult(req.ID, result)
}

// parseConfigure pulls the extension list and the string-valued
// extension parameters out of a mining.configure request. Malformed
// params yield empty results rather than an error; the miner just gets
// no extensions.
func parseConfigure(raw json.RawMessage) ([]string, map[string]string) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		return nil, nil
	}

	var extensions []string
	if err := json.Unmarshal(parts[0], &extensions); err != nil {
		return nil, nil
	}

	params := make(map[string]string)
	if len(parts) > 1 {
		var values map[string]json.RawMessage
		if err := json.Unmarshal(parts[1], &values); err == nil {
			for k, v := range values {
				var str string
				if err := json.Unmarshal(v, &str); err == nil {
					params[k] = str
				}
			}
		}
	}
	return extensions, params
}

// intersectMasks ANDs two hex mask strings. Falls back to the server
// mask on a malformed miner mask.
func intersectMasks(minerMask, serverMask string) string {
	var miner, server uint64
	if _, err := fmt.Sscanf(minerMask, "%x", &miner); err != nil {
		return serverMask
	}
	if _, err := fmt.Sscanf(serverMask, "%x", &server); err != nil {
		return serverMask
	}
	return fmt.Sprintf("%08x", miner&server)
}

func (s *Session) handleSubscribe(req *Request) error {
	s.State = StateSubscribed
	s.logger.Debug("miner subscribed", zap.String("extranonce1", s.extranonce1))

	subscriptions := [][]string{
		{"mining.set_difficulty", s.ID},
		{"mining.notify", s.ID},
	}
	if s.rollMask != "" {
		subscriptions = append(subscriptions, []string{"mining.set_version_mask", s.ID})
	}

	err := s.sendResult(req.ID, []interface{}{subscriptions, s.extranonce1, s.extranonce2Size})
	if err != nil {
		return err
	}

	if err := s.sendDifficulty(s.Vardiff.Difficulty()); err != nil {
		return err
	}

	// Miners behind Stratum V2 translation layers wait for the version
	// mask notification before rolling.
	if s.rollMask != "" {
		return s.notify("mining.set_version_mask", s.rollMask)
	}
	return nil
}

func (s *Session) handleAuthorize(req *Request) error {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return s.sendError(req.ID, 20, "Invalid authorize params")
	}

	name := params[0]
	if len(name) > maxWorkerNameLen {
		name = name[:maxWorkerNameLen]
	}
	s.worker = name
	s.State = StateAuthorized
	s.logger.Info("miner authorized", zap.String("worker", s.worker))

	return s.sendResult(req.ID, true)
}

func (s *Session) handleSuggestDifficulty(req *Request) error {
	var params []float64
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return s.sendError(req.ID, 20, "Invalid suggest_difficulty params")
	}

	s.Vardiff.SetDifficulty(params[0])
	s.logger.Info("miner suggested difficulty",
		zap.Float64("suggested", params[0]),
		zap.Float64("effective", s.Vardiff.Difficulty()),
	)

	if s.State >= StateSubscribed {
		if err := s.sendDifficulty(s.Vardiff.Difficulty()); err != nil {
			return err
		}
	}
	return s.sendResult(req.ID, true)
}

func (s *Session) handleSubmit(req *Request) error {
	if s.State != StateAuthorized {
		return s.sendError(req.ID, 24, "Not authorized")
	}
	if !s.limiter.Allow() {
		s.logger.Warn("rate limit exceeded")
		return s.sendError(req.ID, 25, "Rate limit exceeded")
	}

	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 5 {
		return s.sendError(req.ID, 20, "Invalid submit params")
	}

	// params: worker, task id, extranonce2, ntime, nonce[, version bits]
	if !isHex(params[2], s.extranonce2Size*2) {
		return s.sendError(req.ID, 20, fmt.Sprintf("Invalid extranonce2: want %d hex chars", s.extranonce2Size*2))
	}
	if !isHex(params[3], 8) {
		return s.sendError(req.ID, 20, "Invalid ntime format")
	}
	if !isHex(params[4], 8) {
		return s.sendError(req.ID, 20, "Invalid nonce format")
	}

	sub := &ShareSubmission{
		SessionID:      s.ID,
		Worker:         params[0],
		TaskID:         params[1],
		Extranonce1:    s.extranonce1,
		Extranonce2:    params[2],
		NTime:          params[3],
		Nonce:          params[4],
		Difficulty:     s.Vardiff.Difficulty(),
		PrevDifficulty: s.Vardiff.PrevDifficulty(),
	}
	if s.rollMask != "" && len(params) >= 6 {
		if !isHex(params[5], 8) {
			return s.sendError(req.ID, 20, "Invalid version bits format")
		}
		sub.VersionBits = params[5]
	}

	if s.Vardiff.Submit() {
		s.sendDifficulty(s.Vardiff.Difficulty())
	}

	select {
	case s.out <- sub:
		metrics.StratumSubmits.WithLabelValues("queued").Inc()
	default:
		metrics.StratumSubmits.WithLabelValues("dropped").Inc()
		s.logger.Warn("submit channel full, dropping share")
	}

	return s.sendResult(req.ID, true)
}

// NotifyTask pushes a published task to the miner as mining.notify.
func (s *Session) NotifyTask(task *work.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := task.StratumParams
	return s.notify("mining.notify",
		p.JobID,
		p.PrevHash,
		p.Coinb1,
		p.Coinb2,
		p.MerkleBranch,
		p.Version,
		p.NBits,
		p.NTime,
		p.CleanJobs,
	)
}

func (s *Session) sendDifficulty(diff float64) error {
	return s.notify("mining.set_difficulty", diff)
}

func (s *Session) notify(method string, params ...interface{}) error {
	return s.codec.SendNotification(&Notification{Method: method, Params: params})
}

func (s *Session) sendResult(id interface{}, result interface{}) error {
	return s.codec.SendResponse(&Response{ID: id, Result: result})
}

func (s *Session) sendError(id interface{}, code int, msg string) error {
	return s.codec.SendResponse(&Response{ID: id, Error: []interface{}{code, msg, nil}})
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.codec.Close()
}

// isHex reports whether v is a valid hex string of exactly n characters.
func isHex(v string, n int) bool {
	if len(v) != n {
		return false
	}
	_, err := hex.DecodeString(v)
	return err == nil
}
