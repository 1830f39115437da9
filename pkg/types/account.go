package types

import "time"

// UserAccount is the billing record for one user
type UserAccount struct {
	UserID    string    `json:"user_id"`
	Tier      string    `json:"tier"`
	Credits   float64   `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SecretRecord is an encrypted secret at rest. Ciphertext is the vault's
// sealed blob; the plaintext never touches the store.
type SecretRecord struct {
	Name      string    `json:"name"`
	Ciphertext string   `json:"ciphertext"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
