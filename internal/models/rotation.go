package models

import "time"

// RotationType records why a seed pair was retired.
type RotationType string

const (
	RotationManual RotationType = "MANUAL"
	RotationAuto   RotationType = "AUTO"
)

// SeedRotationRecord archives a retired seed pair and the nonces it covered.
// It is never modified after it is written.
type SeedRotationRecord struct {
	ID             int64        `json:"id,omitempty"`
	Username       string       `json:"username"`
	ServerSeed     string       `json:"server_seed"`
	ServerSeedHash string       `json:"server_seed_hash"`
	ClientSeed     string       `json:"client_seed"`
	FirstNonce     int64        `json:"first_nonce"`
	LastNonce      int64        `json:"last_nonce"`
	GamesPlayed    int64        `json:"games_played"`
	RotationType   RotationType `json:"rotation_type"`
	RotatedAt      time.Time    `json:"rotated_at"`
}

// Covers reports whether nonce was issued under this seed pair.
func (r *SeedRotationRecord) Covers(nonce int64) bool {
	return nonce >= r.FirstNonce && nonce <= r.LastNonce
}
