package types

import (
	"time"
)

type RequestConfig struct {
	RequestQueueSize   int
	RequestTimeout     time.Duration
	ClearInterval      time.Duration
	ApprovalQueueDepth int
}

func DefaultConfig() *RequestConfig {
	return &RequestConfig{
		RequestQueueSize:   30,
		RequestTimeout:     time.Minute * 5,
		ClearInterval:      time.Minute * 5,
		ApprovalQueueDepth: 1,
	}
}
