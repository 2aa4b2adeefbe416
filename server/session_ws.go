// Copyright 2026 The Fightclaw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// matchWS serves the match event stream over a WebSocket. The socket is
// one-way: envelopes flow out, and the read side only watches for the close
// handshake and pong frames.
func (s *ApiServer) matchWS(w http.ResponseWriter, r *http.Request) {
	actor := s.matchActor(w, r)
	if actor == nil {
		return
	}

	agentID := ""
	if agent := agentFrom(r); agent != nil {
		agentID = agent.ID
	}

	sc := s.config.GetSocket()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sub, err := actor.Subscribe(r.Context(), agentID)
	if err != nil {
		conn.Close()
		return
	}

	sess := &wsSession{
		logger:     s.logger.With(zap.String("mid", actor.ID), zap.String("agent", agentID)),
		conn:       conn,
		sub:        sub,
		writeWait:  time.Millisecond * time.Duration(sc.WriteWaitMs),
		pongWait:   time.Millisecond * time.Duration(sc.PongWaitMs),
		pingPeriod: time.Millisecond * time.Duration(sc.PingPeriodMs),
		maxMessage: sc.MaxMessageSizeBytes,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go sess.readPump(cancel)
	sess.writePump(ctx)

	actor.Unsubscribe(sub)
	conn.Close()
}

type wsSession struct {
	logger     *zap.Logger
	conn       *websocket.Conn
	sub        *Subscription
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	maxMessage int64
}

// readPump discards inbound data and keeps the pong deadline fresh. It exits
// when the peer closes or the connection errors, cancelling the write side.
func (sess *wsSession) readPump(cancel context.CancelFunc) {
	defer cancel()
	sess.conn.SetReadLimit(sess.maxMessage)
	sess.conn.SetReadDeadline(time.Now().Add(sess.pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(sess.pongWait))
		return nil
	})
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (sess *wsSession) writePump(ctx context.Context) {
	ticker := time.NewTicker(sess.pingPeriod)
	defer ticker.Stop()

	events := make(chan *Envelope)
	streamErr := make(chan error, 1)
	go func() {
		for {
			env, err := sess.sub.Next(ctx)
			if err != nil || env == nil {
				streamErr <- err
				return
			}
			select {
			case events <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case env := <-events:
			sess.conn.SetWriteDeadline(time.Now().Add(sess.writeWait))
			if err := sess.conn.WriteJSON(env); err != nil {
				sess.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(sess.writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-streamErr:
			// Stream ended, either with game_ended already delivered or
			// because the subscriber fell behind. Close cleanly.
			sess.conn.SetWriteDeadline(time.Now().Add(sess.writeWait))
			sess.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ctx.Done():
			return
		}
	}
}
