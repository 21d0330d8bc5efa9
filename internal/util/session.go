package util

import (
	"slices"
	"strconv"
	"time"

	"github.com/BTreeMap/FeatureStudio/internal/models"
)

// SessionIDPrefix is the prefix of every minted session identifier.
const SessionIDPrefix = "session_"

// sessionSuffixLength is the number of random characters after the timestamp.
const sessionSuffixLength = 9

// NewSessionID mints a session identifier of the form session_{unixMillis}_{suffix}.
// It only needs to avoid collisions between tabs open at the same time; it is not a secret.
func NewSessionID(now time.Time) string {
	return SessionIDPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + randomFrom(lowerAlphaNumerics, sessionSuffixLength)
}

// ChooseSession picks the session a returning user resumes: the most recently created one.
// It returns false when there is no prior session.
func ChooseSession(prior []models.Session) (models.Session, bool) {
	if len(prior) == 0 {
		return models.Session{}, false
	}
	latest := slices.MaxFunc(prior, func(a, b models.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return latest, true
}
