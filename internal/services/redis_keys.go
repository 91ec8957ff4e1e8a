package services

import (
	"fmt"
	"time"
)

const (
	KeyMinesGame         = "mines:game:%s"
	KeyMinesActive       = "mines:active:%s"
	KeyMinesHistory      = "mines:history:%s"
	KeyUserActiveGames   = "user:%s:active_games"
	KeyBalance           = "balance:%s"
	KeyBalanceDirty      = "balance:dirty"
	KeyBalanceQuarantine = "balance:quarantine"
	KeySeed              = "seed:%s"
	KeySeedRotations     = "seed:%s:rotations"
	KeySeedPersistRetry  = "seed:persist:retry"
	KeyRateLimit         = "ratelimit:%s:%s"

	KeyLockCreate   = "lock:mines:create:%s"
	KeyLockGame     = "lock:mines:game:%s"
	KeyLockTile     = "lock:mines:tile:%s:%d"
	KeyLockRotation = "lock:seed:rotate:%s"

	ChannelLiveBets = "live:bets"

	// RotationCacheSize is how many archived pairs are kept per user in the fast store.
	RotationCacheSize = 50

	DefaultRateLimitBets    = 30 // Max 30 bets per minute
	DefaultRateLimitReveals = 240
	DefaultRateLimitCashout = 60 // Max 60 cashouts per minute
	RateLimitWindow         = time.Minute
)

func gameKey(gameID string) string { return fmt.Sprintf(KeyMinesGame, gameID) }
func activeKey(username string) string { return fmt.Sprintf(KeyMinesActive, username) }
func historyKey(username string) string { return fmt.Sprintf(KeyMinesHistory, username) }
func activeGamesKey(username string) string { return fmt.Sprintf(KeyUserActiveGames, username) }
func balanceKey(username string) string { return fmt.Sprintf(KeyBalance, username) }
func seedKey(username string) string { return fmt.Sprintf(KeySeed, username) }
func rotationsKey(username string) string { return fmt.Sprintf(KeySeedRotations, username) }
func createLockKey(username string) string { return fmt.Sprintf(KeyLockCreate, username) }
func gameLockKey(gameID string) string { return fmt.Sprintf(KeyLockGame, gameID) }
func tileLockKey(gameID string, tile int) string { return fmt.Sprintf(KeyLockTile, gameID, tile) }
func rotationLockKey(username string) string { return fmt.Sprintf(KeyLockRotation, username) }

// seconds renders a TTL for script arguments, never below one second.
func seconds(d time.Duration) string {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return fmt.Sprintf("%d", s)
}
