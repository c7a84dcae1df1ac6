package user

import "errors"

// ErrNotFound is returned when a user id is unknown to the directory.
var ErrNotFound = errors.New("user not found")

// User is the durable identity behind a connection. The display fields
// are denormalized into every message the user sends.
type User struct {
	ID       string `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
	Email    string `json:"email,omitempty" yaml:"email"`
}
