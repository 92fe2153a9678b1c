// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxUserIDLen = 36
	MaxRoomIDLen = 64
)

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
	ErrRoomIDEmpty   = errors.New("room id empty")
)

type UserID string

// ParseUserID validates the user id sent with join-room.
func ParseUserID(s string) (UserID, error) {
	if len(s) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(s) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(s), nil
}
