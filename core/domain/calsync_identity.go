package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// fieldSep is the ASCII unit separator, which never appears in provider ids.
const fieldSep = "\x1f"

// Identify derives the stable event id. It depends only on immutable source
// fields so edits to title or time keep the same id.
func Identify(provider Provider, sourceCalendarID, nativeID, userID string) string {
	return hashFields(string(provider), sourceCalendarID, nativeID, userID)
}

// SeriesID derives the id shared by every instance of a series within one calendar.
func SeriesID(userID string, provider Provider, sourceCalendarID, seriesKey string) string {
	return "ser_" + hashFields(userID, string(provider), sourceCalendarID, seriesKey)[:32]
}

// NormalizeTitle is the fallback series key when a provider gives none.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

func hashFields(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, fieldSep)))
	return hex.EncodeToString(sum[:])
}

// InstanceNativeID names one occurrence of a master row. All-day occurrences
// use the date, timed ones the UTC instant.
func InstanceNativeID(masterID string, occurrence time.Time, allDay bool) string {
	if allDay {
		return masterID + "_" + occurrence.Format("20060102")
	}
	return masterID + "_" + occurrence.UTC().Format("20060102T150405Z")
}
