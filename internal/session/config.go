package session

import "time"

// Config holds lifecycle timing and policy knobs.
type Config struct {
	StartupTimeout time.Duration
	EndedGrace     time.Duration
	ReconnectGrace time.Duration
	// IdleTimeout ends a live session that has published nothing for this
	// long. Zero disables it.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	BacklogSize   int

	SingleTranslatorPerLanguage bool
	StrictInvariants            bool
}

func DefaultConfig() Config {
	return Config{
		StartupTimeout: 10 * time.Second,
		EndedGrace:     2 * time.Minute,
		ReconnectGrace: 60 * time.Second,
		IdleTimeout:    10 * time.Minute,
		SweepInterval:  5 * time.Second,
		BacklogSize:    50,
	}
}
