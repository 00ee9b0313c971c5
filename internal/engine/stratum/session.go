package stratum

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/tos-network/pool-portal/internal/engine"
)

// Session represents a miner connection
type Session struct {
	id          uint64
	conn        net.Conn
	ip          string
	port        int
	extraNonce1 string
	connectedAt time.Time

	writeMu sync.Mutex

	mu         sync.Mutex
	subscribed bool
	authorized bool
	worker     string
	difficulty float64
	vardiff    *vardiff

	validShares   uint64
	invalidShares uint64
}

// StratumRequest is a JSON-RPC request from miner
type StratumRequest struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// StratumResponse is a JSON-RPC response to miner
type StratumResponse struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// StratumNotify is a server notification to miner
type StratumNotify struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func (s *Server) createSession(conn net.Conn, ip string, port int) *Session {
	id := atomic.AddUint64(&s.sessionSeq, 1)
	seq := atomic.AddUint32(&s.extraNonceSeq, 1)

	diff := 1.0
	pc := s.pool.Ports[strconv.Itoa(port)]
	if pc.Diff > 0 {
		diff = pc.Diff
	}

	return &Session{
		id:   id,
		conn: conn,
		ip:   ip,
		port: port,
		// The fork id prefix keeps extranonces unique across forks sharing a port.
		extraNonce1: fmt.Sprintf("%02x%06x", s.forkID&0xff, seq&0xffffff),
		connectedAt: time.Now(),
		difficulty:  diff,
		vardiff:     newVardiff(pc.VarDiff, time.Now()),
	}
}

// handleSession processes messages from a miner
func (s *Server) handleSession(session *Session) {
	defer s.wg.Done()
	defer func() {
		session.conn.Close()
		s.sessions.Delete(session.id)
		s.log.Debugf("Session %d disconnected: %s", session.id, session.ip)
	}()

	s.log.Debugf("New connection from %s on port %d (session %d)", session.ip, session.port, session.id)

	session.conn.SetReadDeadline(time.Now().Add(initialTimeout))
	reader := newReader(session.conn)

	for {
		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			return
		}

		if isPrefix || len(line) > MaxRequestSize {
			s.log.Warnf("Session %d (%s): request too large (flood detected)", session.id, session.ip)
			s.ban(session)
			return
		}
		if len(line) == 0 {
			continue
		}

		session.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		var req StratumRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if !s.policy.ApplyMalformedPolicy(session.ip) {
				s.log.Warnf("Session %d (%s): banned for malformed requests", session.id, session.ip)
				s.notifyBan(session)
				return
			}
			session.sendError(nil, -32700, "Parse error")
			continue
		}

		if !s.handleRequest(session, &req) {
			return
		}
	}
}

// handleRequest processes a stratum request. It returns false when the
// session must be closed.
func (s *Server) handleRequest(session *Session, req *StratumRequest) bool {
	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(session, req)
	case "mining.authorize":
		return s.handleAuthorize(session, req)
	case "mining.submit":
		return s.handleSubmit(session, req)
	case "mining.extranonce.subscribe":
		session.sendResult(req.ID, true)
	default:
		session.sendError(req.ID, 20, "Method not found")
	}
	return true
}

// handleSubscribe processes mining.subscribe
func (s *Server) handleSubscribe(session *Session, req *StratumRequest) {
	if len(req.Params) > 0 {
		if agent, ok := req.Params[0].(string); ok {
			s.log.Debugf("Session %d: miner software: %s", session.id, agent)
		}
	}

	subID := strconv.FormatUint(session.id, 16)
	result := []interface{}{
		[][]string{
			{"mining.set_difficulty", subID},
			{"mining.notify", subID},
		},
		session.extraNonce1,
		extraNonce2Size,
	}

	session.mu.Lock()
	session.subscribed = true
	diff := session.difficulty
	session.mu.Unlock()

	session.sendResult(req.ID, result)
	session.sendDifficulty(diff)
	if job := s.getCurrentJob(); job != nil {
		session.sendJob(job)
	}
}

// handleAuthorize processes mining.authorize
func (s *Server) handleAuthorize(session *Session, req *StratumRequest) bool {
	if len(req.Params) < 1 {
		session.sendError(req.ID, 20, "Invalid params")
		return true
	}
	worker, ok := req.Params[0].(string)
	if !ok || worker == "" {
		session.sendError(req.ID, 20, "Invalid username")
		return true
	}
	password := ""
	if len(req.Params) > 1 {
		password, _ = req.Params[1].(string)
	}

	result := engine.AuthResult{Authorized: true}
	if s.authorize != nil {
		result = s.authorize(s.ctx, session.ip, session.port, worker, password)
	}

	session.mu.Lock()
	session.authorized = result.Authorized
	if result.Authorized {
		session.worker = worker
	}
	session.mu.Unlock()

	if result.Authorized {
		session.sendResult(req.ID, true)
	} else {
		session.sendResponse(req.ID, false, []interface{}{ErrUnauthorized.Code, ErrUnauthorized.Message, nil})
	}
	return !result.Disconnect
}

// handleSubmit processes mining.submit: [worker, job_id, extranonce2, ntime, nonce]
func (s *Server) handleSubmit(session *Session, req *StratumRequest) bool {
	session.mu.Lock()
	authorized, subscribed := session.authorized, session.subscribed
	worker, diff := session.worker, session.difficulty
	session.mu.Unlock()

	if !subscribed {
		session.sendShareError(req.ID, ErrNotSubscribed)
		return true
	}
	if !authorized {
		session.sendShareError(req.ID, ErrUnauthorized)
		return true
	}

	params := make([]string, len(req.Params))
	for i, p := range req.Params {
		params[i], _ = p.(string)
	}

	data := &engine.ShareData{
		IP:         session.ip,
		Port:       session.port,
		Worker:     worker,
		Difficulty: diff,
	}

	var verdict Verdict
	err := error(ErrUnknown)
	if len(params) >= 5 {
		data.Job = params[1]
		if job := s.getJob(params[1]); job == nil {
			err = ErrJobNotFound
		} else {
			data.Height = job.Height
			verdict, err = s.backend.Verify(s.ctx, job, Submission{
				Worker:      worker,
				JobID:       params[1],
				ExtraNonce1: session.extraNonce1,
				ExtraNonce2: params[2],
				NTime:       params[3],
				Nonce:       params[4],
				Difficulty:  diff,
			})
		}
	}

	valid := err == nil
	if valid {
		data.ShareDiff = verdict.ShareDiff
		data.BlockDiff = verdict.BlockDiff
		data.BlockDiffActual = verdict.BlockDiffActual
		data.BlockHash = verdict.BlockHash
		data.BlockReward = verdict.BlockReward
		data.TxHash = verdict.TxHash
		atomic.AddUint64(&session.validShares, 1)
		session.sendResult(req.ID, true)
	} else {
		var shareErr *ShareError
		if !errors.As(err, &shareErr) {
			shareErr = &ShareError{Code: ErrUnknown.Code, Message: err.Error()}
		}
		data.Error = shareErr.Message
		atomic.AddUint64(&session.invalidShares, 1)
		session.sendShareError(req.ID, shareErr)
	}

	isBlock := valid && verdict.BlockHash != "" && verdict.BlockAccepted
	if s.sink != nil {
		s.sink.Share(valid, isBlock, data)
	}

	if !s.policy.ApplySharePolicy(session.ip, valid) {
		s.log.Warnf("Session %d (%s): banned for invalid share ratio", session.id, session.ip)
		s.notifyBan(session)
		return false
	}

	if valid {
		s.retarget(session)
	}
	return true
}

// retarget applies vardiff after a valid share
func (s *Server) retarget(session *Session) {
	session.mu.Lock()
	newDiff, changed := session.vardiff.submit(session.difficulty, time.Now())
	if changed {
		session.difficulty = newDiff
	}
	worker := session.worker
	session.mu.Unlock()

	if !changed {
		return
	}
	session.sendDifficulty(newDiff)
	if s.sink != nil {
		s.sink.DifficultyUpdate(worker, newDiff)
	}
}

// ban bans the session's IP and tells the fleet
func (s *Server) ban(session *Session) {
	if s.policy.BanIP(session.ip) {
		s.notifyBan(session)
	}
}

func (s *Server) notifyBan(session *Session) {
	if s.sink == nil {
		return
	}
	session.mu.Lock()
	worker := session.worker
	session.mu.Unlock()
	s.sink.BanIP(session.ip, worker)
}

func (sess *Session) isSubscribed() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.subscribed
}

func (sess *Session) sendJob(job *Job) {
	params := make([]interface{}, 0, len(job.Params)+2)
	params = append(params, job.ID)
	params = append(params, job.Params...)
	params = append(params, job.CleanJobs)
	sess.send(StratumNotify{Method: "mining.notify", Params: params})
}

func (sess *Session) sendDifficulty(diff float64) {
	sess.send(StratumNotify{Method: "mining.set_difficulty", Params: []interface{}{diff}})
}

func (sess *Session) sendResult(id interface{}, result interface{}) {
	sess.sendResponse(id, result, nil)
}

func (sess *Session) sendError(id interface{}, code int, message string) {
	sess.sendResponse(id, nil, []interface{}{code, message, nil})
}

func (sess *Session) sendShareError(id interface{}, e *ShareError) {
	sess.sendResponse(id, nil, []interface{}{e.Code, e.Message, nil})
}

func (sess *Session) sendResponse(id, result, errValue interface{}) {
	sess.send(StratumResponse{ID: id, Result: result, Error: errValue})
}

// send writes a message to the miner
func (sess *Session) send(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	sess.conn.Write(append(data, '\n'))
}
