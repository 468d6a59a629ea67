package model

import "time"

// SeqConversation tracks the position watermarks of one conversation's log.
//
// IssuedSeq is the highest position handed out by Append; MaxSeq is the commit
// waterline readers are allowed to see (IssuedSeq >= MaxSeq; the gap is only
// open while an Append is in flight under the conversation lock). Readers
// range over (0, MaxSeq], which is what makes reads snapshot-consistent:
// position N is never visible before every position < N is.
type SeqConversation struct {
	ConversationID string    `bson:"conversation_id"`
	IssuedSeq      int64     `bson:"issued_seq"`
	MaxSeq         int64     `bson:"max_seq"`
	CreateTime     time.Time `bson:"create_time"`
	UpdateTime     time.Time `bson:"update_time"`
}

func (SeqConversation) TableName() string { return "seq_conversation" }
