package model

import "time"

// User is an account known to the account manager.
type User struct {
	UUID         string    `json:"uuid"`
	Username     string    `json:"username"`
	Mail         string    `json:"mail"`
	PasswordHash string    `json:"password_hash"` // bcrypt
	Created      time.Time `json:"created"`
}

// Enrollment is a self-service enrolment waiting for an operator.
type Enrollment struct {
	UUID         string    `json:"uuid"`
	Username     string    `json:"username"`
	Mail         string    `json:"mail"`
	PasswordHash string    `json:"password_hash"`
	Status       string    `json:"status"` // Open, Accepted
	Timestamp    time.Time `json:"timestamp"`
}
