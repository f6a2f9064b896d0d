package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidLocation = errors.New("invalid location")

// Location is a WGS84 point. Encoded as {lat, lon}; decoding also accepts
// {latitude, longitude} as sent by older producers.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (l *Location) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var raw struct {
		Lat       *float64 `json:"lat"`
		Lon       *float64 `json:"lon"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	lat, lon := raw.Lat, raw.Lon
	if lat == nil {
		lat = raw.Latitude
	}
	if lon == nil {
		lon = raw.Longitude
	}
	if lat == nil || lon == nil {
		return fmt.Errorf("%w: missing coordinate", ErrInvalidLocation)
	}
	l.Lat, l.Lon = *lat, *lon
	return nil
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("%w: lat %v out of range", ErrInvalidLocation, l.Lat)
	}
	if l.Lon < -180 || l.Lon > 180 {
		return fmt.Errorf("%w: lon %v out of range", ErrInvalidLocation, l.Lon)
	}
	return nil
}

const dayLayout = "2006-01-02"

// Day is a calendar date without time of day.
type Day struct {
	time.Time
}

func NewDay(y int, m time.Month, d int) Day {
	return Day{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (d Day) String() string { return d.Format(dayLayout) }

func (d Day) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(dayLayout))
}

func (d *Day) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dayLayout, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("incident_day %q: %w", s, err)
	}
	y, m, dd := t.Date()
	*d = NewDay(y, m, dd)
	return nil
}

func (d *Day) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		y, m, dd := v.Date()
		*d = NewDay(y, m, dd)
		return nil
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("incident_day: unsupported type %T", src)
	}
}

func (d Day) Value() (driver.Value, error) {
	return d.Format(dayLayout), nil
}

func (d *Day) parse(s string) error {
	t, err := time.Parse(dayLayout, strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("incident_day %q: %w", s, err)
	}
	d.Time = t
	return nil
}
