package graphstore

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// timeOrZero scans a nullable DATETIME column to the zero time.Time
// instead of requiring callers to juggle sql.NullTime.
type timeOrZero time.Time

func (t *timeOrZero) Scan(src interface{}) error {
	if src == nil {
		*t = timeOrZero(time.Time{})
		return nil
	}
	switch v := src.(type) {
	case time.Time:
		*t = timeOrZero(v)
		return nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			parsed, err = time.Parse("2006-01-02 15:04:05.999999999-07:00", v)
			if err != nil {
				return fmt.Errorf("timeOrZero: parse %q: %w", v, err)
			}
		}
		*t = timeOrZero(parsed)
		return nil
	default:
		return fmt.Errorf("timeOrZero: unsupported scan type %T", src)
	}
}

func (t timeOrZero) Value() (driver.Value, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return nil, nil
	}
	return tt, nil
}
