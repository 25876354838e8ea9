package events

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// RoomIDLength is the fixed length of a shareable room identifier
const RoomIDLength = 6

const roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrInvalidRoomID is returned when a room identifier is not RoomIDLength uppercase alphanumerics
var ErrInvalidRoomID = errors.New("invalid room id")

// NewRoomID generates a random room identifier
func NewRoomID() (string, error) {
	max := big.NewInt(int64(len(roomIDAlphabet)))
	b := make([]byte, RoomIDLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate room id: %w", err)
		}
		b[i] = roomIDAlphabet[n.Int64()]
	}
	return string(b), nil
}

// ValidateRoomID checks the shape of a room identifier
func ValidateRoomID(id string) error {
	if len(id) != RoomIDLength {
		return fmt.Errorf("%w: %q must be %d characters", ErrInvalidRoomID, id, RoomIDLength)
	}
	for _, c := range id {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidRoomID, id, c)
		}
	}
	return nil
}

// ChannelName is the pub/sub channel key for a room
func ChannelName(roomID string) string {
	return "room:" + roomID
}
