// Package uuid provides identifier generation for locally-minted records.
package uuid

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempPrefix marks identifiers minted locally while disconnected.
const TempPrefix = "temp_"

// temp_<unix-ms>_<9 base36-ish chars>
var tempIDRegex = regexp.MustCompile(`^temp_[0-9]+_[0-9a-z]{9}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTempID mints a temporary identifier from the given instant plus random bits.
// The server-assigned identifier replaces it once the create is synced.
func NewTempID(now time.Time) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s%d_%s", TempPrefix, now.UnixMilli(), random[:9])
}

// IsTemp reports whether id was minted by NewTempID.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// IsValidTemp checks the full temporary identifier format.
func IsValidTemp(id string) bool {
	return tempIDRegex.MatchString(id)
}
