package adapter

import "time"

type Config struct {
	Token string
	// PollTimeout is the getUpdates long-poll timeout; 10s when zero.
	PollTimeout time.Duration
}
