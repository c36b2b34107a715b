package models

import "time"

// Receipt is the owner-facing record that tracks what happened to a secret.
// It never holds the secret's content or passphrase hash.
type Receipt struct {
	ID            string     `json:"receipt_id"`
	SecretID      string     `json:"-"`
	Partition     string     `json:"partition"`
	OwnerID       string     `json:"-"`
	State         State      `json:"state"`
	HasPassphrase bool       `json:"passphrase_required"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ViewedAt      *time.Time `json:"viewed_at,omitempty"`
	BurnedAt      *time.Time `json:"burned_at,omitempty"`
	ExpiredAt     *time.Time `json:"expired_at,omitempty"`
}

// Transition moves the receipt into a terminal state. It returns false and
// leaves r untouched when r is already terminal or to is not terminal.
func (r *Receipt) Transition(to State, at time.Time) bool {
	if r.State.Terminal() || !to.Terminal() {
		return false
	}

	r.State = to
	ts := at
	switch to {
	case StateViewed:
		r.ViewedAt = &ts
	case StateBurned:
		r.BurnedAt = &ts
	case StateExpired:
		r.ExpiredAt = &ts
	}
	return true
}

// Lapsed reports whether a pending receipt's secret is past its TTL.
func (r *Receipt) Lapsed(now time.Time) bool {
	return r.State == StatePending && !now.Before(r.ExpiresAt)
}
