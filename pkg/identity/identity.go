// Package identity canonicalizes user handles and room names. Every boundary
// that accepts a handle (register, login, join, send, typing, history,
// directory) goes through Normalize so a message is never persisted under one
// key and routed under another.
package identity

import (
	"strings"

	"github.com/mahaj/pulsechat/pkg/chaterr"
)

// ID is a canonical, lowercase user handle.
type ID string

func (id ID) String() string { return string(id) }

// reserved separates key parts (dm:a:b), path segments and the client's
// "#room" unread keys, so neither handles nor room ids may contain them.
const reserved = ":/#?%\\"

// Normalize trims and lowercases raw.
func Normalize(raw string) (ID, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", chaterr.New(chaterr.KindInvalidIdentity, "empty identity")
	}
	if strings.ContainsAny(s, reserved) {
		return "", chaterr.New(chaterr.KindInvalidIdentity, "identity %q contains one of %q", raw, reserved)
	}
	return ID(s), nil
}

// Check reports whether id is already canonical.
func Check(id ID) error {
	n, err := Normalize(string(id))
	if err != nil {
		return err
	}
	if n != id {
		return chaterr.New(chaterr.KindInvalidIdentity, "identity %q is not normalized", string(id))
	}
	return nil
}

// MustNormalize is Normalize for literals known to be valid.
func MustNormalize(raw string) ID {
	id, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// PairKey is the conversation key of the unordered pair {a, b}.
func PairKey(a, b ID) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + string(a) + ":" + string(b)
}

// NormalizeRoom trims the room id. Room ids keep their case and must fit in
// one path segment of /rooms/{roomId}/messages.
func NormalizeRoom(raw string) (string, error) {
	r := strings.TrimSpace(raw)
	if r == "" {
		return "", chaterr.Validation("empty room id")
	}
	if strings.ContainsAny(r, reserved) || r == "." || r == ".." {
		return "", chaterr.Validation("invalid room id %q", raw)
	}
	return r, nil
}

// RoomKey is the conversation key of a room.
func RoomKey(room string) string {
	return "room:" + room
}
