package models

import "time"

type Faculty struct {
	FacultyID  int64      `json:"faculty_id"`
	Name       string     `json:"name"`
	Department string     `json:"department"`
	Email      string     `json:"email,omitempty"`
	BeaconID   string     `json:"beacon_id,omitempty"`
	Status     bool       `json:"status"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
}
