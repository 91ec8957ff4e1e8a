package models

import "time"

// UserSeedPair is a user's ACTIVE seed pair plus the pre-committed NEXT
// server seed. Only the hashes of server seeds are ever shown while in use.
type UserSeedPair struct {
	Username             string    `json:"username"`
	ActiveServerSeed     string    `json:"-"`
	ActiveServerSeedHash string    `json:"active_server_seed_hash"`
	ActiveClientSeed     string    `json:"active_client_seed"`
	NextServerSeed       string    `json:"-"`
	NextServerSeedHash   string    `json:"next_server_seed_hash"`
	Nonce                int64     `json:"nonce"`
	TotalGamesPlayed     int64     `json:"total_games_played"`
	MaxGamesPerSeed      int64     `json:"max_games_per_seed"`
	CreatedAt            time.Time `json:"created_at"`
}

// SeedInfo is the public view of a seed pair.
type SeedInfo struct {
	ActiveServerSeedHash string `json:"active_server_seed_hash"`
	ActiveClientSeed     string `json:"active_client_seed"`
	NextServerSeedHash   string `json:"next_server_seed_hash"`
	Nonce                int64  `json:"nonce"`
	TotalGamesPlayed     int64  `json:"total_games_played"`
	MaxGamesPerSeed      int64  `json:"max_games_per_seed"`
}

// Info strips the seed preimages.
func (p *UserSeedPair) Info() *SeedInfo {
	return &SeedInfo{
		ActiveServerSeedHash: p.ActiveServerSeedHash,
		ActiveClientSeed:     p.ActiveClientSeed,
		NextServerSeedHash:   p.NextServerSeedHash,
		Nonce:                p.Nonce,
		TotalGamesPlayed:     p.TotalGamesPlayed,
		MaxGamesPerSeed:      p.MaxGamesPerSeed,
	}
}
