package model

// MessageModel is one durable message in a conversation's log. Immutable once
// persisted. (conversation_id, position) carries a unique index; Position is
// gapless and strictly increasing within a conversation.
type MessageModel struct {
	MessageID      string `bson:"message_id" json:"message_id"`
	ConversationID string `bson:"conversation_id" json:"conversation_id"`
	Position       int64  `bson:"position" json:"position"`
	SenderID       string `bson:"sender_id" json:"sender_id"`
	Payload        string `bson:"payload" json:"payload"`
	ClientMsgID    string `bson:"client_msg_id,omitempty" json:"client_msg_id,omitempty"` // client idempotency id, echoed in send_ack
	CreateTime     int64  `bson:"create_time" json:"create_time"`                         // unix ms
}

func (MessageModel) TableName() string { return "message" }
