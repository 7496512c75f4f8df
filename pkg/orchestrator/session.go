package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jacspeelman/dolores-voice/pkg/audio"
)

// Events posted to the session actor. Everything that happens to a session —
// client messages, STT upstream traffic, LLM deltas, TTS completions, timer
// expiries — arrives here and is applied by the run loop one at a time, so the
// session fields below need no locks.
type (
	evClientAudio struct{ pcm []byte }

	evClientPlaybackDone struct{}

	evClientInterrupt struct{}

	evDisconnect struct{}

	evSTT struct {
		gen int
		ev  STTEvent
	}

	evSTTStarted struct {
		gen    int
		stream STTStream
		err    error
	}

	evLLMDelta struct {
		turn  int
		delta string
	}

	evLLMDone struct {
		turn int
		err  error
	}

	evTTSResult struct {
		turn  int
		index int
		audio []byte
		err   error
	}

	evPlaybackTimeout struct{ turn int }
)

type ttsJob struct {
	ctx   context.Context
	turn  int
	index int
	text  string
}

// pendingSTTLimit caps the bytes buffered while the STT upstream is still
// dialing (~2s of 16kHz S16LE mono).
const pendingSTTLimit = 64 * 1024

// Session is the per-connection conversation pipeline: one upstream STT
// binding, one in-flight LLM stream, one serial TTS queue and the ordered
// audio emitter, all coordinated by a single actor goroutine.
type Session struct {
	ID uint64

	out      Sender
	stt      STTProvider
	llm      LLMProvider
	tts      TTSProvider
	verifier SpeakerVerifier
	cfg      Config
	logger   Logger

	events  chan interface{}
	ttsJobs chan ttsJob

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}

	// Actor-owned state. Touched only by the run loop.
	state       State
	sttStream   STTStream
	sttStarting bool
	sttGen      int
	sttPending  [][]byte
	muteUntil   time.Time

	turn        int
	turnActive  bool
	interrupted bool
	residual    string
	queue       emitQueue
	pendingTTS  int
	llmDone     bool

	audioStarted     bool
	awaitingPlayback bool
	playbackTimer    *time.Timer

	llmCancel  context.CancelFunc
	turnCtx    context.Context
	turnCancel context.CancelFunc
}

// NewSession wires a session for one client connection. Run must be called
// for the pipeline to make progress; Close tears everything down.
func NewSession(id uint64, out Sender, stt STTProvider, llm LLMProvider, tts TTSProvider, cfg Config, logger Logger) *Session {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:       id,
		out:      out,
		stt:      stt,
		llm:      llm,
		tts:      tts,
		verifier: AllowAllSpeakers(),
		cfg:      cfg,
		logger:   logger,
		events:   make(chan interface{}, 1024),
		ttsJobs:  make(chan ttsJob, 128),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		state:    StateListening,
	}
}

// SetSpeakerVerifier installs the per-frame authorization predicate. Must be
// called before Run.
func (s *Session) SetSpeakerVerifier(v SpeakerVerifier) {
	if v != nil {
		s.verifier = v
	}
}

// Run drives the session until disconnect. It owns every state transition.
func (s *Session) Run() {
	go s.runTTSWorker()

	defer s.teardown()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			if done := s.handle(ev); done {
				return
			}
		}
	}
}

// Close signals disconnect. Safe to call from any goroutine, repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.post(evDisconnect{})
		// Fallback for a session whose run loop never started.
		go func() {
			select {
			case <-s.closed:
			case <-time.After(time.Second):
				s.cancel()
			}
		}()
	})
}

// post delivers an event to the actor. Events are never dropped while the
// session lives; after teardown they fall through on ctx.Done.
func (s *Session) post(ev interface{}) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) handle(ev interface{}) bool {
	switch ev := ev.(type) {
	case evClientAudio:
		s.handleAudio(ev.pcm)
	case evClientPlaybackDone:
		s.handlePlaybackDone()
	case evClientInterrupt:
		s.handleInterrupt()
	case evSTTStarted:
		s.handleSTTStarted(ev)
	case evSTT:
		s.handleSTTEvent(ev)
	case evLLMDelta:
		if ev.turn == s.turn && s.turnActive {
			s.handleLLMDelta(ev.delta)
		}
	case evLLMDone:
		if ev.turn == s.turn && s.turnActive {
			s.handleLLMDone(ev.err)
		}
	case evTTSResult:
		if ev.turn == s.turn && s.turnActive {
			s.handleTTSResult(ev)
		}
	case evPlaybackTimeout:
		if ev.turn == s.turn && s.awaitingPlayback {
			s.logger.Warn("playback acknowledgement timed out", "sessionID", s.ID)
			s.resumeListening()
		}
	case evDisconnect:
		return true
	}
	return false
}

// HandleAudio accepts one inbound microphone frame.
func (s *Session) HandleAudio(pcm []byte) { s.post(evClientAudio{pcm: pcm}) }

// HandlePlaybackDone accepts the client's end-of-playback acknowledgement.
func (s *Session) HandlePlaybackDone() { s.post(evClientPlaybackDone{}) }

// HandleInterrupt accepts a client barge-in.
func (s *Session) HandleInterrupt() { s.post(evClientInterrupt{}) }

// --- listening: inbound audio and the STT upstream ---

func (s *Session) handleAudio(pcm []byte) {
	// Echo discipline: outside listening, and inside the mute window, frames
	// never reach an STT upstream.
	if s.state != StateListening || time.Now().Before(s.muteUntil) {
		return
	}
	if len(pcm) == 0 || !s.verifier.Authorized(pcm) {
		return
	}

	if s.sttStream == nil {
		s.bufferPendingFrame(pcm)
		if !s.sttStarting {
			s.sttStarting = true
			gen := s.sttGen
			go s.startSTT(gen)
		}
		return
	}

	if err := s.sttStream.Send(pcm); err != nil {
		s.logger.Warn("stt send failed", "sessionID", s.ID, "error", err)
	}
}

func (s *Session) bufferPendingFrame(pcm []byte) {
	s.sttPending = append(s.sttPending, pcm)
	total := 0
	for _, f := range s.sttPending {
		total += len(f)
	}
	for total > pendingSTTLimit && len(s.sttPending) > 1 {
		total -= len(s.sttPending[0])
		s.sttPending = s.sttPending[1:]
	}
}

// startSTT dials the upstream off the actor loop and posts the outcome. The
// generation number lets the actor discard a stream that finished dialing
// after the session already moved on.
func (s *Session) startSTT(gen int) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.STTStartTimeout)
	defer cancel()

	stream, err := s.stt.Start(ctx, func(ev STTEvent) {
		s.post(evSTT{gen: gen, ev: ev})
	})
	s.post(evSTTStarted{gen: gen, stream: stream, err: err})
}

func (s *Session) handleSTTStarted(ev evSTTStarted) {
	s.sttStarting = false

	if ev.gen != s.sttGen || s.state != StateListening {
		// The session left listening while the dial was in flight; there must
		// never be a second bound upstream.
		if ev.stream != nil {
			go ev.stream.Close()
		}
		s.sttPending = nil
		return
	}

	if ev.err != nil {
		s.logger.Error("stt session start failed", "sessionID", s.ID, "error", ev.err)
		s.out.SendError("speech recognition is unavailable")
		s.sttPending = nil
		return
	}

	s.sttStream = ev.stream
	buffered := 0
	for _, frame := range s.sttPending {
		buffered += len(frame)
		if err := s.sttStream.Send(frame); err != nil {
			s.logger.Warn("stt send failed", "sessionID", s.ID, "error", err)
			break
		}
	}
	s.sttPending = nil
	s.logger.Debug("stt session bound", "sessionID", s.ID,
		"buffered", audio.Duration(buffered, s.cfg.SampleRate).String())
}

func (s *Session) handleSTTEvent(ev evSTT) {
	if ev.gen != s.sttGen {
		return
	}

	switch ev.ev.Kind {
	case STTInterim:
		s.logger.Debug("interim transcript", "sessionID", s.ID, "text", ev.ev.Text)
	case STTFinal:
		s.logger.Debug("final segment", "sessionID", s.ID, "text", ev.ev.Text)
	case STTUtteranceEnd:
		s.handleUtteranceEnd(ev.ev.Text)
	case STTError:
		s.logger.Error("stt session error", "sessionID", s.ID, "error", ev.ev.Err)
		s.out.SendError("speech recognition error")
		s.destroySTT()
	case STTClosed:
		s.logger.Debug("stt upstream closed", "sessionID", s.ID)
		s.destroySTT()
	}
}

func (s *Session) handleUtteranceEnd(transcript string) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		// Silence-only utterance: stay in listening, keep the upstream.
		return
	}

	// Leaving listening: the upstream must die before any TTS can play, or
	// the microphone will transcribe our own voice.
	s.destroySTT()

	s.logger.Info("utterance complete", "sessionID", s.ID, "length", len(transcript))
	s.out.SendTranscript(transcript)
	s.setState(StateProcessing)
	s.beginTurn(transcript)
}

func (s *Session) destroySTT() {
	s.sttGen++
	s.sttPending = nil
	if s.sttStream != nil {
		stream := s.sttStream
		s.sttStream = nil
		go stream.Close()
	}
}

// --- processing/speaking: the LLM → segmenter → TTS → emitter chain ---

func (s *Session) beginTurn(transcript string) {
	s.turn++
	s.turnActive = true
	s.interrupted = false
	s.residual = ""
	s.queue.reset()
	s.pendingTTS = 0
	s.llmDone = false
	s.audioStarted = false
	s.awaitingPlayback = false

	llmCtx, llmCancel := context.WithTimeout(s.ctx, s.cfg.LLMTimeout)
	turnCtx, turnCancel := context.WithCancel(s.ctx)
	s.llmCancel = llmCancel
	s.turnCtx = turnCtx
	s.turnCancel = turnCancel

	go s.runLLM(llmCtx, s.turn, transcript)
}

func (s *Session) runLLM(ctx context.Context, turn int, transcript string) {
	messages := []Message{
		{Role: "system", Content: s.cfg.SystemPrompt},
		{Role: "user", Content: transcript},
	}

	err := s.llm.Stream(ctx, messages, func(delta string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.post(evLLMDelta{turn: turn, delta: delta})
		return nil
	})
	s.post(evLLMDone{turn: turn, err: err})
}

func (s *Session) handleLLMDelta(delta string) {
	s.residual += delta
	sentences, residual := Segment(s.residual)
	s.residual = residual
	for _, sentence := range sentences {
		s.submitSentence(sentence)
	}
}

func (s *Session) handleLLMDone(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("llm stream failed", "sessionID", s.ID, "error", err)
		s.out.SendError("assistant is unavailable")
		s.abortTurn(false)
		return
	}

	// Speak any trailing text the model left without a terminator.
	if visibleLen(strings.TrimSpace(s.residual)) >= minSentenceVisible {
		s.submitSentence(strings.TrimSpace(s.residual))
	}
	s.residual = ""
	s.llmDone = true
	s.maybeFinishTurn()
}

// submitSentence reserves the next slot and queues the synthesis job. Jobs run
// strictly one at a time: the upstream TTS rate-limits parallel calls.
func (s *Session) submitSentence(text string) {
	index := s.queue.reserve(text)
	s.pendingTTS++

	job := ttsJob{ctx: s.turnContext(), turn: s.turn, index: index, text: text}
	select {
	case s.ttsJobs <- job:
	default:
		// Queue overflow (pathologically long reply): fail the slot so the
		// emitter can keep advancing.
		s.logger.Warn("tts queue full, dropping sentence", "sessionID", s.ID, "index", index)
		s.pendingTTS--
		s.queue.complete(index, nil, true)
	}
}

func (s *Session) turnContext() context.Context {
	if s.turnCtx == nil {
		return s.ctx
	}
	return s.turnCtx
}

func (s *Session) runTTSWorker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.ttsJobs:
			if job.ctx.Err() != nil {
				s.post(evTTSResult{turn: job.turn, index: job.index, err: job.ctx.Err()})
				continue
			}
			ctx, cancel := context.WithTimeout(job.ctx, s.cfg.TTSTimeout)
			pcm, err := s.tts.Synthesize(ctx, job.text)
			cancel()
			s.post(evTTSResult{turn: job.turn, index: job.index, audio: pcm, err: err})
		}
	}
}

func (s *Session) handleTTSResult(ev evTTSResult) {
	s.pendingTTS--
	if ev.err != nil {
		s.logger.Warn("tts synthesis failed, skipping slot", "sessionID", s.ID, "index", ev.index, "error", ev.err)
	}
	s.queue.complete(ev.index, ev.audio, ev.err != nil)
	s.emitReady()
	s.maybeFinishTurn()
}

func (s *Session) emitReady() {
	if s.interrupted {
		return
	}
	for _, slot := range s.queue.takeEmittable() {
		if !s.audioStarted {
			s.audioStarted = true
			s.setState(StateSpeaking)
		}
		s.out.SendAudio(slot.index, slot.audio)
	}
}

func (s *Session) maybeFinishTurn() {
	if !s.llmDone || s.pendingTTS != 0 || !s.queue.drained() {
		return
	}
	s.turnActive = false
	s.cancelTurnContexts()

	if !s.audioStarted {
		// Nothing was synthesized; no audio stream to close out.
		s.queue.reset()
		s.setState(StateListening)
		return
	}

	s.out.SendAudioEnd()
	s.queue.reset()
	s.awaitingPlayback = true
	// Fallback mute in case the client starts capturing before it reports
	// playback completion.
	s.muteUntil = time.Now().Add(s.cfg.PostPlaybackMute)
	s.armPlaybackTimer()
}

func (s *Session) armPlaybackTimer() {
	turn := s.turn
	s.stopPlaybackTimer()
	s.playbackTimer = time.AfterFunc(s.cfg.PlaybackTimeout, func() {
		s.post(evPlaybackTimeout{turn: turn})
	})
}

func (s *Session) stopPlaybackTimer() {
	if s.playbackTimer != nil {
		s.playbackTimer.Stop()
		s.playbackTimer = nil
	}
}

func (s *Session) handlePlaybackDone() {
	if !s.awaitingPlayback {
		s.logger.Debug("spurious playback_done", "sessionID", s.ID)
		return
	}
	s.resumeListening()
}

func (s *Session) resumeListening() {
	s.stopPlaybackTimer()
	s.awaitingPlayback = false
	s.muteUntil = time.Now().Add(s.cfg.PostPlaybackMute)
	s.setState(StateListening)
}

// --- barge-in and turn teardown ---

func (s *Session) handleInterrupt() {
	if s.state == StateListening {
		return
	}
	s.logger.Info("client interrupt", "sessionID", s.ID)
	s.interrupted = true
	s.abortTurn(true)
	s.interrupted = false
}

// abortTurn cancels an in-flight turn and returns to listening. Order matters:
// queued slots are dropped before the LLM is cancelled, the STT upstream is
// destroyed before any final message goes out, and the state update comes
// last.
func (s *Session) abortTurn(interrupt bool) {
	hadAudio := s.audioStarted
	audioEndSent := s.awaitingPlayback

	s.turnActive = false
	s.queue.reset()
	s.pendingTTS = 0
	s.llmDone = false
	s.residual = ""
	s.audioStarted = false

	s.cancelTurnContexts()
	s.destroySTT()

	if hadAudio && !audioEndSent {
		s.out.SendAudioEnd()
	}
	s.stopPlaybackTimer()
	s.awaitingPlayback = false

	if interrupt {
		s.muteUntil = time.Now().Add(s.cfg.PostInterruptMute)
	}
	s.setState(StateListening)
}

func (s *Session) cancelTurnContexts() {
	if s.llmCancel != nil {
		s.llmCancel()
		s.llmCancel = nil
	}
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.out.SendState(state)
	s.logger.Debug("state transition", "sessionID", s.ID, "state", state)
}

func (s *Session) teardown() {
	s.stopPlaybackTimer()
	s.cancelTurnContexts()
	s.destroySTT()
	s.cancel()
	close(s.closed)
	s.logger.Info("session closed", "sessionID", s.ID)
}
