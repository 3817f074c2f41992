package chat

import (
	"strings"

	"github.com/google/uuid"
)

const tempIDPrefix = "temp-"

// NewTempID returns a time-ordered local id for an optimistic entry. Server
// ids never carry the prefix.
func NewTempID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return tempIDPrefix + uuid.NewString()
	}
	return tempIDPrefix + id.String()
}

func IsTempID(id string) bool { return strings.HasPrefix(id, tempIDPrefix) }
