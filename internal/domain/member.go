package domain

// Member is the public view of a joined peer, as announced to the rest of the room.
// No transport or lifecycle logic here.
type Member struct {
	PeerID PeerID `json:"peerId"`
	UserID UserID `json:"userId"`
	Role   Role   `json:"role"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(peerID PeerID, userID UserID, role Role) Member {
	return Member{PeerID: peerID, UserID: userID, Role: role}
}
