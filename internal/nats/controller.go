/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-audio-engine/internal/engine"
	"github.com/loqalabs/loqa-audio-engine/internal/session"
)

// Control operations
const (
	OpStartFullDuplex  = "start_full_duplex"
	OpStopFullDuplex   = "stop_full_duplex"
	OpStartPlayRecord  = "start_play_record"
	OpStopPlayRecord   = "stop_play_record"
	OpPlayLeftChannel  = "play_left_channel"
	OpStopPlayback     = "stop_playback"
	OpLastRecordedFile = "last_recorded_file"
	OpAudioSessionID   = "audio_session_id"
	OpStatus           = "status"
)

// Event types
const (
	EventStateChanged = "state_changed"
	EventCondition    = "condition"
)

// ControlRequest is the JSON body of a control message
type ControlRequest struct {
	Op     string  `json:"op"`
	Path   string  `json:"path,omitempty"`
	GainDB float64 `json:"gain_db,omitempty"`
}

// ControlReply answers every control request that carries a reply subject
type ControlReply struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code"`
	State     string `json:"state"`
	Path      string `json:"path,omitempty"`
	SessionID int32  `json:"session_id"`
}

// Event is published on the events subject
type Event struct {
	Type      string    `json:"type"`
	From      string    `json:"from,omitempty"`
	State     string    `json:"state,omitempty"`
	Condition string    `json:"condition,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Session   string    `json:"session,omitempty"`
	Path      string    `json:"path,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlSubject is where an engine instance receives commands
func ControlSubject(id string) string {
	return fmt.Sprintf("audioengine.%s.control", id)
}

// EventsSubject is where an engine instance publishes events
func EventsSubject(id string) string {
	return fmt.Sprintf("audioengine.%s.events", id)
}

// EngineNATSConnection interface for dependency injection
type EngineNATSConnection interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	Close()
}

// EngineNATSConnectionAdapter adapts *nats.Conn to EngineNATSConnection interface
type EngineNATSConnectionAdapter struct {
	conn *nats.Conn
}

func NewEngineNATSConnectionAdapter(conn *nats.Conn) *EngineNATSConnectionAdapter {
	return &EngineNATSConnectionAdapter{conn: conn}
}

func (a *EngineNATSConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *EngineNATSConnectionAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *EngineNATSConnectionAdapter) Close() {
	a.conn.Close()
}

// Connect dials NATS, retrying a bounded number of times
func Connect(natsURL string, attempts int, backoff time.Duration, logger *zap.Logger) (*EngineNATSConnectionAdapter, error) {
	if attempts < 1 {
		attempts = 1
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < attempts; i++ {
		nc, err = nats.Connect(natsURL, nats.Name("loqa-audio-engine"))
		if err == nil {
			break
		}
		logger.Warn("⚠️ Failed to connect to NATS",
			zap.Int("attempt", i+1),
			zap.Int("attempts", attempts),
			zap.Error(err))
		if i < attempts-1 {
			time.Sleep(backoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
	}

	logger.Info("✅ Connected to NATS", zap.String("url", natsURL))
	return NewEngineNATSConnectionAdapter(nc), nil
}

// Engine is the part of the engine the controller drives
type Engine interface {
	StartFullDuplex(gainDb float64) error
	StopFullDuplex()
	StartPlayRecord(path string, gainDb float64) error
	StopPlayRecord()
	PlayLeftChannel(path string) error
	StopPlayback()
	LastRecordedFilePath() (string, bool)
	AudioSessionID() int32
	State() engine.State
}

// Controller exposes an engine on NATS: commands in, events out
type Controller struct {
	conn   EngineNATSConnection
	id     string
	logger *zap.Logger
	engine Engine
	now    func() time.Time
}

// NewController creates a controller for the engine instance id
func NewController(conn EngineNATSConnection, id string, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		conn:   conn,
		id:     id,
		logger: logger.With(zap.String("engine_id", id)),
		now:    time.Now,
	}
}

// EngineOptions returns the hooks that forward engine events to NATS
func (c *Controller) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.OnCondition(c.PublishCondition),
		engine.OnStateChange(c.PublishStateChange),
	}
}

// Serve subscribes to the control subject and dispatches to eng
func (c *Controller) Serve(eng Engine) error {
	c.engine = eng
	subject := ControlSubject(c.id)
	if _, err := c.conn.Subscribe(subject, c.handleControl); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.logger.Info("🎧 Listening for engine commands", zap.String("subject", subject))
	return nil
}

// handleControl processes one control message
func (c *Controller) handleControl(msg *nats.Msg) {
	var req ControlRequest
	var reply ControlReply
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.logger.Error("❌ Failed to unmarshal control request", zap.Error(err))
		reply = ControlReply{Error: fmt.Sprintf("invalid request: %v", err), Code: engine.StatusOther.String()}
	} else {
		c.logger.Info("📥 Received control request", zap.String("op", req.Op), zap.String("path", req.Path))
		reply = c.Dispatch(req)
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error("❌ Failed to marshal control reply", zap.Error(err))
		return
	}
	if err := c.conn.Publish(msg.Reply, data); err != nil {
		c.logger.Warn("⚠️ Failed to publish control reply", zap.Error(err))
	}
}

// Dispatch runs one request against the engine
func (c *Controller) Dispatch(req ControlRequest) ControlReply {
	var err error
	switch req.Op {
	case OpStartFullDuplex:
		err = c.engine.StartFullDuplex(req.GainDB)
	case OpStopFullDuplex:
		c.engine.StopFullDuplex()
	case OpStartPlayRecord:
		err = c.engine.StartPlayRecord(req.Path, req.GainDB)
	case OpStopPlayRecord:
		c.engine.StopPlayRecord()
	case OpPlayLeftChannel:
		err = c.engine.PlayLeftChannel(req.Path)
	case OpStopPlayback:
		c.engine.StopPlayback()
	case OpLastRecordedFile, OpAudioSessionID, OpStatus:
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	reply := ControlReply{
		OK:        err == nil,
		Code:      engine.StatusOf(err).String(),
		State:     c.engine.State().String(),
		SessionID: c.engine.AudioSessionID(),
	}
	if err != nil {
		reply.Error = err.Error()
		c.logger.Warn("⚠️ Control request failed", zap.String("op", req.Op), zap.Error(err))
	}
	if path, ok := c.engine.LastRecordedFilePath(); ok {
		reply.Path = path
	}
	return reply
}

// PublishCondition forwards a session condition to the events subject
func (c *Controller) PublishCondition(cond session.Condition) {
	ev := Event{
		Type:      EventCondition,
		Condition: cond.Kind.String(),
		Mode:      cond.Mode.String(),
		Session:   cond.SessionID,
		Path:      cond.Path,
	}
	if cond.Err != nil {
		ev.Error = cond.Err.Error()
	}
	c.publish(ev)
}

// PublishStateChange forwards an engine state change to the events subject
func (c *Controller) PublishStateChange(from, to engine.State) {
	c.publish(Event{
		Type:  EventStateChanged,
		From:  from.String(),
		State: to.String(),
	})
}

func (c *Controller) publish(ev Event) {
	ev.Timestamp = c.now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("❌ Failed to marshal event", zap.Error(err))
		return
	}
	if err := c.conn.Publish(EventsSubject(c.id), data); err != nil {
		c.logger.Warn("⚠️ Failed to publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// Close closes the NATS connection
func (c *Controller) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.logger.Info("🔌 NATS connection closed")
	}
}
