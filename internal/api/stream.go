package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iqtiles/server/internal/pipeline"
	"github.com/iqtiles/server/internal/render"
	"github.com/iqtiles/server/internal/service"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamReadLimit    = 64 * 1024
)

// streamMessage is a client request on the stream socket. A "params" message
// changes the session's settings; a "view" message renders a range.
type streamMessage struct {
	Type      string   `json:"type"`
	Lower     float64  `json:"lower"`
	Upper     float64  `json:"upper"`
	Zoom      int      `json:"zoom"`
	FFTSize   int      `json:"fft_size,omitempty"`
	Window    string   `json:"window,omitempty"`
	MagMin    *float64 `json:"mag_min,omitempty"`
	MagMax    *float64 `json:"mag_max,omitempty"`
	Colormap  string   `json:"colormap,omitempty"`
	Taps      string   `json:"taps,omitempty"`
	Transform string   `json:"transform,omitempty"`
}

// values converts the message's parameter overrides to query form so they
// go through the same parsing as HTTP requests.
func (m streamMessage) values() url.Values {
	q := url.Values{}
	if m.FFTSize != 0 {
		q.Set("fft_size", strconv.Itoa(m.FFTSize))
	}
	if m.Window != "" {
		q.Set("window", m.Window)
	}
	if m.MagMin != nil {
		q.Set("mag_min", strconv.FormatFloat(*m.MagMin, 'g', -1, 64))
	}
	if m.MagMax != nil {
		q.Set("mag_max", strconv.FormatFloat(*m.MagMax, 'g', -1, 64))
	}
	if m.Colormap != "" {
		q.Set("colormap", m.Colormap)
	}
	if m.Taps != "" {
		q.Set("taps", m.Taps)
	}
	if m.Transform != "" {
		q.Set("transform", m.Transform)
	}
	return q
}

// frameHeader precedes every binary frame. Params is the fingerprint of the
// settings the frame was rendered with.
type frameHeader struct {
	Type    string  `json:"type"`
	Params  string  `json:"params"`
	Lower   float64 `json:"lower"`
	Upper   float64 `json:"upper"`
	Zoom    int     `json:"zoom"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	Missing []int   `json:"missing,omitempty"`
}

type streamError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newUpgrader(origins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 65536,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

// streamConn wraps a WebSocket connection with a write mutex to prevent concurrent writes.
type streamConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *streamConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// writeFrame sends the header and the frame as one unit.
func (c *streamConn) writeFrame(hdr frameHeader, frame []byte) error {
	data, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *streamConn) writeError(err error) error {
	return c.writeJSON(streamError{Type: "error", Error: err.Error()})
}

// streamHandler serves a per-connection pipeline session over WebSocket.
// A new view request or a parameter change cancels the render still in flight.
func streamHandler(origins []string, log *zap.Logger) http.HandlerFunc {
	upgrader := newUpgrader(origins)
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getRecordingService(r)
		if svc == nil {
			http.Error(w, "recording service not found", http.StatusInternalServerError)
			return
		}
		session, err := svc.NewSession(svc.Defaults())
		if err != nil {
			writeError(w, err)
			return
		}

		rawConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("stream upgrade failed", zap.Error(err))
			return
		}
		conn := &streamConn{conn: rawConn}
		defer rawConn.Close()
		rawConn.SetReadLimit(streamReadLimit)

		log := log.With(zap.String("recording", svc.RecordingID()), zap.String("remote", r.RemoteAddr))
		log.Debug("stream connected")

		s := &stream{svc: svc, session: session, conn: conn, log: log}
		defer s.stop()

		for {
			var msg streamMessage
			if err := rawConn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("stream closed", zap.Error(err))
				}
				return
			}
			if err := s.handle(msg); err != nil {
				if werr := conn.writeError(err); werr != nil {
					return
				}
			}
		}
	}
}

type stream struct {
	svc     *service.SpectrogramService
	session *pipeline.Pipeline
	conn    *streamConn
	log     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *stream) handle(msg streamMessage) error {
	switch msg.Type {
	case "params":
		return s.apply(msg)
	case "view":
		if len(msg.values()) > 0 {
			if err := s.apply(msg); err != nil {
				return err
			}
		}
		if msg.Zoom == 0 {
			msg.Zoom = 1
		}
		s.render(pipeline.View{Lower: msg.Lower, Upper: msg.Upper, Zoom: msg.Zoom})
		return nil
	}
	return unknownMessageError(msg.Type)
}

// apply changes the session's parameters. A render started under the old
// parameters is cancelled first so it never reaches the client.
func (s *stream) apply(msg streamMessage) error {
	params, err := parseParams(msg.values(), s.session.Params(), s.svc.TileSampleCount())
	if err != nil {
		return err
	}
	if params.Fingerprint() == s.session.Params().Fingerprint() {
		return nil
	}
	s.replace(nil)
	return s.session.Apply(params)
}

// replace cancels the in-flight render and installs cancel for the next one.
func (s *stream) replace(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
}

// render replaces the in-flight render with one for view.
func (s *stream) render(view pipeline.View) {
	ctx, cancel := context.WithCancel(context.Background())
	s.replace(cancel)
	fingerprint := s.session.Params().Fingerprint()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		img, err := s.svc.RenderSession(ctx, s.session, view)

		// Holding s.mu orders the write before any later cancellation.
		s.mu.Lock()
		defer s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.conn.writeError(err)
			return
		}
		if img == nil {
			s.conn.writeJSON(frameHeader{Type: "empty", Params: fingerprint, Lower: view.Lower, Upper: view.Upper, Zoom: view.Zoom})
			return
		}
		hdr := frameHeader{
			Type:    "frame",
			Params:  fingerprint,
			Lower:   view.Lower,
			Upper:   view.Upper,
			Zoom:    view.Zoom,
			Width:   img.Width,
			Height:  img.Height,
			Missing: img.Missing,
		}
		if err := s.conn.writeFrame(hdr, render.Frame(img)); err != nil {
			s.log.Debug("stream write failed", zap.Error(err))
		}
	}()
}

func (s *stream) stop() {
	s.replace(nil)
	s.wg.Wait()
}

type unknownMessageError string

func (e unknownMessageError) Error() string {
	return "unknown message type " + strconv.Quote(string(e))
}
