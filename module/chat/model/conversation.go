package model

import "time"

// ConversationModel is created by the pairing service and read-only here.
// The participant set is fixed at creation; re-pairing means a new conversation.
type ConversationModel struct {
	ConversationID string    `bson:"conversation_id"`
	Participants   []string  `bson:"participants"` // exactly two today (patient, provider); schema allows N
	CreateTime     time.Time `bson:"create_time"`
}

func (ConversationModel) TableName() string { return "conversation" }

// Others returns the participant set minus the given user.
func (c *ConversationModel) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// Has reports whether userID is a member.
func (c *ConversationModel) Has(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
