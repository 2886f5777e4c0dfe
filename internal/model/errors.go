package model

import (
	"errors"
)

var (
	// ErrConfiguration marks invalid or contradictory flags and config values.
	// It is always reported before the first job runs.
	ErrConfiguration = errors.New("configuration error")
	// ErrPlatformUnsupported is returned when the hard timeout facility is not
	// available on the host.
	ErrPlatformUnsupported = errors.New("platform unsupported")
	// ErrInputDiscovery is returned when the input root can't be listed.
	ErrInputDiscovery = errors.New("input discovery failed")
	ErrNoBudget       = errors.New("timeout budget must be positive")
)
