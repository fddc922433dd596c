// Package models defines server-side data models persisted in the database.
package models

import "time"

// User is an account. The server keeps the salt and the verifier derived
// from the password, never the password itself.
type User struct {
	ID        string
	UserName  string
	Salt      []byte
	Verifier  []byte
	CreatedAt time.Time
}
