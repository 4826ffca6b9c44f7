package schema

import (
	"fmt"
	"strings"
)

// KeySeparator joins the user id and the date inside an AvailabilityKey. It appears in neither alphabet.
const KeySeparator = "|"

// AvailabilityKey is the set-membership key meaning "this user is available on this date".
type AvailabilityKey string

// NewAvailabilityKey concatenates a user id and an ISO date.
func NewAvailabilityKey(userID, date string) AvailabilityKey {
	return AvailabilityKey(userID + KeySeparator + date)
}

// ParseAvailabilityKey splits a key on the first separator and validates both halves.
func ParseAvailabilityKey(raw string) (userID string, date string, err error) {
	userID, date, found := strings.Cut(raw, KeySeparator)
	if !found {
		return "", "", fmt.Errorf("availability key %q has no separator", raw)
	}
	if !IsValidUserID(userID) {
		return "", "", fmt.Errorf("availability key %q has an invalid user id", raw)
	}
	if _, err := ParseIsoDate(date); err != nil {
		return "", "", fmt.Errorf("availability key %q: %w", raw, err)
	}
	return userID, date, nil
}

// UserID returns the user half of the key, or "" when the key is malformed.
func (k AvailabilityKey) UserID() string {
	userID, _, err := ParseAvailabilityKey(string(k))
	if err != nil {
		return ""
	}
	return userID
}

// Date returns the date half of the key, or "" when the key is malformed.
func (k AvailabilityKey) Date() string {
	_, date, err := ParseAvailabilityKey(string(k))
	if err != nil {
		return ""
	}
	return date
}

func (k AvailabilityKey) String() string {
	return string(k)
}
