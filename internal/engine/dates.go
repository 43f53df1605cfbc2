package engine

import (
	"time"
)

const dateLayout = "2006-01-02"

// normalizeDate parses a calendar date and re-renders it pinned to local noon,
// so converting the value across timezones cannot shift the day.
func normalizeDate(field, value string) (string, error) {
	t, err := time.ParseInLocation(dateLayout, value, time.Local)
	if err != nil {
		return "", validationErr(field, "must be a YYYY-MM-DD date")
	}
	noon := time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, time.Local)
	return noon.Format(dateLayout), nil
}

// normalizeDatePtr normalizes through a pointer, passing nil through.
func normalizeDatePtr(field string, value *string) (*string, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	d, err := normalizeDate(field, *value)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
