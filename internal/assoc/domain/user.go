package domain

import "time"

type User struct {
	ID            string
	Username      string
	PreferredName string
	PasswordHash  string  // argon2 encoded
	PhoneNumber   *string // E.164, nullable until the member provides one
	IsAdmin       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
