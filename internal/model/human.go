// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"time"
)

// Duration is a time.Duration written as "30s" or "1m30s" in the config.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return errors.New("can't be negative")
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
