package model

// DeliveryCheckpoint is the durable high-water mark of what one device has
// acknowledged for one conversation. Keyed (user_id, device_id,
// conversation_id) unique; Position only moves forward ($max), so duplicate
// and out-of-order acks are harmless. Written only by the router/replay
// subsystem.
type DeliveryCheckpoint struct {
	UserID         string `bson:"user_id"`
	DeviceID       string `bson:"device_id"`
	ConversationID string `bson:"conversation_id"`
	Position       int64  `bson:"position"`
	UpdateTime     int64  `bson:"update_time"` // unix ms
}

func (DeliveryCheckpoint) TableName() string { return "delivery_checkpoint" }
