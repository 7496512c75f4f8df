package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/jacspeelman/dolores-voice/pkg/orchestrator"
	"golang.org/x/sync/errgroup"
)

// Options bundles everything one voice session needs. STT, LLM and TTS are
// required; Verifier and Logger default to allow-all and no-op.
type Options struct {
	STT      orchestrator.STTProvider
	LLM      orchestrator.LLMProvider
	TTS      orchestrator.TTSProvider
	Verifier orchestrator.SpeakerVerifier
	Config   orchestrator.Config
	Logger   orchestrator.Logger
}

type activeSession struct {
	sess *orchestrator.Session
	conn *conn
}

// Server accepts client WebSocket connections and runs one conversation
// pipeline per connection. It owns the session registry used for graceful
// shutdown.
type Server struct {
	opts   Options
	logger orchestrator.Logger

	httpSrv *http.Server
	nextID  atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*activeSession
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = &orchestrator.NoOpLogger{}
	}
	if opts.Verifier == nil {
		opts.Verifier = orchestrator.AllowAllSpeakers()
	}
	return &Server{
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[uint64]*activeSession),
	}
}

// ListenAndServe binds addr and serves until Shutdown. A bind failure is
// returned as-is so the caller can distinguish a port that is already in use.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.handleWS)}
	s.logger.Info("listening", "addr", ln.Addr().String(),
		"stt", s.opts.STT.Name(), "llm", s.opts.LLM.Name(), "tts", s.opts.TTS.Name())

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and tears down every live session
// within the bounds of ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	active := make([]*activeSession, 0, len(s.sessions))
	for _, a := range s.sessions {
		active = append(active, a)
	}
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, a := range active {
		a := a
		g.Go(func() error {
			a.sess.Close()
			a.conn.close(websocket.StatusGoingAway, "server shutting down")
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	id := s.nextID.Add(1)
	c := newConn(id, ws, s.logger)
	s.logger.Info("client connected", "sessionID", id, "remote", r.RemoteAddr)

	c.send(configMessage{
		Type:                "config",
		Version:             protocolVersion,
		STT:                 s.opts.STT.Name(),
		TTS:                 s.opts.TTS.Name(),
		SpeakerVerification: s.opts.Verifier.Name(),
		Backend:             "go",
	})

	sess := orchestrator.NewSession(id, c, s.opts.STT, s.opts.LLM, s.opts.TTS, s.opts.Config, s.logger)
	sess.SetSpeakerVerifier(s.opts.Verifier)

	s.register(id, &activeSession{sess: sess, conn: c})
	defer s.unregister(id)

	go sess.Run()

	s.readLoop(c, sess)

	// Transport errors of any flavor collapse into one disconnect; the session
	// runs its end-of-life path unconditionally.
	sess.Close()
	c.close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "sessionID", id)
}

func (s *Server) readLoop(c *conn, sess *orchestrator.Session) {
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}
		c.touch()

		if typ != websocket.MessageText {
			c.SendError("expected text frames")
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.SendError("malformed message")
			continue
		}

		switch msg.Type {
		case "audio":
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				c.SendError("invalid audio payload")
				continue
			}
			sess.HandleAudio(pcm)
		case "playback_done":
			sess.HandlePlaybackDone()
		case "interrupt":
			sess.HandleInterrupt()
		case "ping":
			c.send(simpleMessage{Type: "pong"})
		default:
			c.SendError(fmt.Sprintf("unknown message type: %q", msg.Type))
		}
	}
}

func (s *Server) register(id uint64, a *activeSession) {
	s.mu.Lock()
	s.sessions[id] = a
	s.mu.Unlock()
}

func (s *Server) unregister(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SessionCount reports the number of live sessions in the registry.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
