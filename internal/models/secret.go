package models

import "time"

// Secret is the at-rest record stored under secret:{id}. A stored secret is
// always pending: viewing or burning it deletes the record.
type Secret struct {
	ID             string        `json:"id"`
	ReceiptID      string        `json:"-"`
	Partition      string        `json:"partition"`
	Ciphertext     []byte        `json:"-"` // AES-GCM sealed content
	PassphraseHash string        `json:"-"` // argon2id PHC string, empty when unprotected
	TTL            time.Duration `json:"ttl"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

func (s *Secret) HasPassphrase() bool {
	return s.PassphraseHash != ""
}

func (s *Secret) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
