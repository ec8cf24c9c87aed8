package store

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidSessionID is returned for malformed session ids and suffixes.
var ErrInvalidSessionID = errors.New("invalid session id")

var suffixPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// SessionSuffix is the opaque, validated part of a session id that also
// scopes the checkpoint thread.
type SessionSuffix string

// NewSessionSuffix returns a fresh random suffix.
func NewSessionSuffix() SessionSuffix {
	return SessionSuffix(uuid.NewString())
}

// ParseSessionSuffix validates s as a suffix.
func ParseSessionSuffix(s string) (SessionSuffix, error) {
	if !suffixPattern.MatchString(s) {
		return "", fmt.Errorf("%w: bad suffix %q", ErrInvalidSessionID, s)
	}
	return SessionSuffix(s), nil
}

func (s SessionSuffix) String() string { return string(s) }

// FormatSessionID returns conv_{agentID}_{suffix}.
func FormatSessionID(agentID int32, suffix SessionSuffix) string {
	return "conv_" + strconv.FormatInt(int64(agentID), 10) + "_" + string(suffix)
}

// ParseSessionID extracts the suffix from raw, which is either a full
// conv_{agentID}_{suffix} id of the same agent or a bare suffix.
func ParseSessionID(agentID int32, raw string) (SessionSuffix, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "conv_") {
		return ParseSessionSuffix(raw)
	}
	prefix := "conv_" + strconv.FormatInt(int64(agentID), 10) + "_"
	if !strings.HasPrefix(raw, prefix) {
		return "", fmt.Errorf("%w: %q does not belong to agent %d", ErrInvalidSessionID, raw, agentID)
	}
	return ParseSessionSuffix(strings.TrimPrefix(raw, prefix))
}

// Session is the handle of a resolved conversation.
type Session struct {
	ID           string
	Suffix       SessionSuffix
	Conversation *Conversation
	Created      bool
}
