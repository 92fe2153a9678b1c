package domain

type RoomID string

// ParseRoomID validates a client supplied room id.
func ParseRoomID(s string) (RoomID, error) {
	if len(s) == 0 {
		return "", ErrRoomIDEmpty
	}
	if len(s) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(s), nil
}
