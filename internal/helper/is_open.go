package helper

import (
	"strings"
	"time"
)

// IsClinicOpen reports whether now falls between jamBuka and jamTutup (HH:MM or HH:MM:SS)
// on the clinic's local clock.
func IsClinicOpen(jamBuka, jamTutup string, now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	// Format bisa HH:MM:SS atau HH:MM
	layout := "15:04:05"
	if strings.Count(jamBuka, ":") == 1 {
		jamBuka += ":00"
	}
	if strings.Count(jamTutup, ":") == 1 {
		jamTutup += ":00"
	}

	openTime, err := time.ParseInLocation(layout, jamBuka, loc)
	if err != nil {
		return false
	}

	closeTime, err := time.ParseInLocation(layout, jamTutup, loc)
	if err != nil {
		return false
	}

	// Set tanggal hari ini
	openTime = time.Date(
		now.Year(), now.Month(), now.Day(),
		openTime.Hour(), openTime.Minute(), openTime.Second(),
		0, loc,
	)

	closeTime = time.Date(
		now.Year(), now.Month(), now.Day(),
		closeTime.Hour(), closeTime.Minute(), closeTime.Second(),
		0, loc,
	)

	// Jam tutup melewati tengah malam, contoh buka 22:00 tutup 02:00
	if closeTime.Before(openTime) {
		closeTime = closeTime.Add(24 * time.Hour)

		// sebelum jam buka berarti masih periode kemarin
		if now.Before(openTime) {
			openTime = openTime.Add(-24 * time.Hour)
			closeTime = closeTime.Add(-24 * time.Hour)
		}
	}

	return !now.Before(openTime) && now.Before(closeTime)
}
