package chat

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"time"

	"careline/module/chat/model"
	"careline/tools/errs"
)

// Frame type tags. Inbound: send/ack/attach/ping. Outbound the rest.
const (
	FrameSend          = "send"
	FrameAck           = "ack"
	FrameAttach        = "attach"
	FramePing          = "ping"
	FramePong          = "pong"
	FrameDelivered     = "delivered"
	FrameBacklog       = "backlog"
	FrameSendAck       = "send_ack"
	FrameReject        = "reject"
	FrameSessionClosed = "session_closed"
)

// Frame is the wire envelope: a type tag plus a loose payload map. Payloads
// are decoded into typed structs with tools/decode so clients with sloppy
// number handling still parse.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func ParseFrameJSON(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// ---- inbound payloads ----

type SendPayload struct {
	ConversationID string `json:"conversation_id"`
	Payload        string `json:"payload"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
}

type AckPayload struct {
	ConversationID string `json:"conversation_id"`
	Position       int64  `json:"position"`
}

type AttachPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ---- outbound frame builders ----

// deliveredData is the body of a delivered frame and of each backlog entry.
func deliveredData(m *model.MessageModel) map[string]any {
	return map[string]any{
		"conversation_id": m.ConversationID,
		"position":        m.Position,
		"sender_id":       m.SenderID,
		"payload":         m.Payload,
		"ts":              m.CreateTime,
	}
}

func BuildDelivered(m *model.MessageModel) *Frame {
	return &Frame{Type: FrameDelivered, Data: deliveredData(m)}
}

func BuildBacklog(conversationID string, msgs []*model.MessageModel) *Frame {
	entries := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, deliveredData(m))
	}
	return &Frame{Type: FrameBacklog, Data: map[string]any{
		"conversation_id": conversationID,
		"messages":        entries,
	}}
}

func BuildSendAck(conversationID string, position int64, clientMsgID string) *Frame {
	d := map[string]any{
		"conversation_id": conversationID,
		"position":        position,
	}
	if clientMsgID != "" {
		d["client_msg_id"] = clientMsgID
	}
	return &Frame{Type: FrameSendAck, Data: d}
}

// BuildReject converts an error into a reject frame. Coded errors keep their
// wire code; anything else is reported as a bad frame.
func BuildReject(err error) *Frame {
	code := errs.CodeOf(err)
	msg := ""
	var ce *errs.CodeError
	if stderr.As(err, &ce) {
		msg = ce.Msg
	}
	if code == 0 {
		code = errs.CodeBadFrame
		msg = "bad frame"
	}
	return &Frame{Type: FrameReject, Data: map[string]any{"code": code, "msg": msg}}
}

func BuildSessionClosed(reason string) *Frame {
	return &Frame{Type: FrameSessionClosed, Data: map[string]any{"reason": reason}}
}

func BuildPong() *Frame {
	return &Frame{Type: FramePong, Data: map[string]any{"ts": time.Now().UnixMilli()}}
}
