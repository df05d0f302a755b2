package domain

import (
	"time"
)

// WorkerConfiguration is the desired state of one worker, as stored.
type WorkerConfiguration struct {
	WorkerID   string     `gorm:"primaryKey" json:"worker_id" yaml:"worker_id"`
	MarketType MarketType `gorm:"index" json:"market_type" yaml:"market_type"`
	Symbol     string     `json:"symbol" yaml:"symbol"`
	Enabled    bool       `gorm:"index" json:"enabled" yaml:"enabled"`
	CreatedAt  time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time  `json:"updated_at" yaml:"-"`
}

// WorkerStatus is the lifecycle status of a running worker instance.
type WorkerStatus int

const (
	WorkerStarting WorkerStatus = iota
	WorkerRunning
	WorkerStopping
	WorkerStopped
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerStarting:
		return "Starting"
	case WorkerRunning:
		return "Running"
	case WorkerStopping:
		return "Stopping"
	case WorkerStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}
