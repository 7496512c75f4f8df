package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/jacspeelman/dolores-voice/pkg/orchestrator"
)

const (
	heartbeatInterval = 30 * time.Second

	// maxBufferedBytes is the send-side high watermark. Audio chunks can far
	// exceed the client's drain rate on lossy networks; past this point the
	// connection is closed rather than dropping chunks, because a silent drop
	// would desynchronize slot indexing.
	maxBufferedBytes = 8 << 20

	outboundQueueSize = 512
)

// StatusBackpressure is the dedicated close code sent when the send buffer
// crosses the high watermark.
const StatusBackpressure websocket.StatusCode = 4008

// conn wraps one client WebSocket: a writer goroutine with an unflushed-byte
// counter, a heartbeat prober, and the typed outbound message surface the
// session controller uses. It implements orchestrator.Sender; every send is
// non-blocking.
type conn struct {
	id     uint64
	ws     *websocket.Conn
	logger orchestrator.Logger

	outbound chan []byte
	buffered atomic.Int64
	lastSeen atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newConn(id uint64, ws *websocket.Conn, logger orchestrator.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:       id,
		ws:       ws,
		logger:   logger,
		outbound: make(chan []byte, outboundQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.touch()
	go c.writeLoop()
	go c.heartbeatLoop()
	return c
}

// touch records liveness. Any inbound message counts.
func (c *conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *conn) send(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal outbound message", "connID", c.id, "error", err)
		return
	}

	if c.buffered.Load() > maxBufferedBytes {
		c.logger.Warn("send buffer over high watermark, closing", "connID", c.id, "buffered", c.buffered.Load())
		c.close(StatusBackpressure, "send buffer overflow")
		return
	}

	c.buffered.Add(int64(len(b)))
	select {
	case c.outbound <- b:
	case <-c.ctx.Done():
		c.buffered.Add(-int64(len(b)))
	default:
		c.buffered.Add(-int64(len(b)))
		c.logger.Warn("outbound queue full, closing", "connID", c.id)
		c.close(StatusBackpressure, "send queue overflow")
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.outbound:
			err := c.ws.Write(c.ctx, websocket.MessageText, b)
			c.buffered.Add(-int64(len(b)))
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

// heartbeatLoop probes the connection every interval; a connection with no
// liveness since the previous tick is terminated.
func (c *conn) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastSeen.Load())
			if time.Since(last) > heartbeatInterval+heartbeatInterval/2 {
				c.logger.Warn("heartbeat timeout, closing", "connID", c.id)
				c.close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
			go c.probe()
		}
	}
}

func (c *conn) probe() {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := c.ws.Ping(ctx); err == nil {
		c.touch()
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(code, reason)
		c.cancel()
	})
}

// --- orchestrator.Sender ---

func (c *conn) SendState(state orchestrator.State) {
	c.send(stateMessage{Type: "state", State: string(state)})
}

func (c *conn) SendTranscript(text string) {
	c.send(transcriptMessage{Type: "transcript", Text: text})
}

func (c *conn) SendAudio(index int, pcm []byte) {
	c.send(audioMessage{
		Type:       "audio",
		Format:     "pcm_s16le",
		SampleRate: 16000,
		Channels:   1,
		Data:       base64.StdEncoding.EncodeToString(pcm),
		Index:      index,
	})
}

func (c *conn) SendAudioEnd() {
	c.send(simpleMessage{Type: "audio_end"})
}

func (c *conn) SendError(reason string) {
	c.send(errorMessage{Type: "error", Error: reason})
}
