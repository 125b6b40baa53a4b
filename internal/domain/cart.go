package domain

import "time"

// CartSnapshot is the cart handed to checkout at session start. Checkout never writes it back.
type CartSnapshot struct {
	ID        string
	UserID    string
	Lines     []CartLine
	Currency  string
	UpdatedAt time.Time
}

// Guest reports whether the snapshot belongs to an anonymous shopper.
func (c CartSnapshot) Guest() bool {
	return c.UserID == ""
}
