package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"micro-casino/internal/apperr"
	"micro-casino/internal/config"
	"micro-casino/internal/models"
)

// Script rejection codes shared with the Lua side.
const (
	rejectActiveGameExists    = "ACTIVE_GAME_EXISTS"
	rejectInvalidBet          = "INVALID_BET"
	rejectSeedNotCached       = "SEED_NOT_CACHED"
	rejectBalanceNotCached    = "BALANCE_NOT_CACHED"
	rejectBalanceMalformed    = "BALANCE_MALFORMED"
	rejectInsufficientBalance = "INSUFFICIENT_BALANCE"
	rejectNotFound            = "NOT_FOUND"
	rejectNotPlaying          = "NOT_PLAYING"
	rejectAlreadyRevealed     = "ALREADY_REVEALED"
	rejectInvalidTile         = "INVALID_TILE"
	rejectStale               = "STALE"
	rejectInvalidAmount       = "INVALID_AMOUNT"
	rejectNotTerminal         = "NOT_TERMINAL"
)

// ScriptRejection is a clean refusal by an atomic script; nothing was written.
type ScriptRejection struct {
	Code string
}

func (r *ScriptRejection) Error() string {
	return "script rejected: " + r.Code
}

// IsRejection reports whether err is a ScriptRejection with code.
func IsRejection(err error, code string) bool {
	var r *ScriptRejection
	return errors.As(err, &r) && r.Code == code
}

type RedisService struct {
	client *redis.Client
}

func NewRedisService(cfg *config.Config) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisService{client: client}, nil
}

// NewRedisServiceFromClient wraps an existing client.
func NewRedisServiceFromClient(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

func (s *RedisService) Client() *redis.Client {
	return s.client
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

// ConditionalUpdate applies mutations to the hash at key only if every
// condition field currently holds its expected value.
func (s *RedisService) ConditionalUpdate(ctx context.Context, key string, conditions, mutations map[string]string) (bool, error) {
	args := make([]any, 0, 1+2*len(conditions)+2*len(mutations))
	args = append(args, len(conditions))
	for f, v := range conditions {
		args = append(args, f, v)
	}
	for f, v := range mutations {
		args = append(args, f, v)
	}
	n, err := conditionalUpdateScript.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return false, apperr.Transient("conditional update", err)
	}
	return n == 1, nil
}

// CreateAndBetParams are the inputs of the create-and-bet script.
type CreateAndBetParams struct {
	Username  string
	GameID    string
	BetAmount decimal.Decimal
	GridSize  int
	MineCount int
	GameTTL   time.Duration
	SeedTTL   time.Duration
	Now       time.Time
	// Seed is embedded into the cache when it has expired; nil on the fast path.
	Seed *models.UserSeedPair
}

// CreateAndBetResult is what the script hands back after a successful debit.
type CreateAndBetResult struct {
	Nonce          int64
	ServerSeed     string
	ServerSeedHash string
	ClientSeed     string
	NewBalance     decimal.Decimal
}

// CreateAndBet debits the bet, consumes a nonce and writes the placeholder
// game in one step. Any rejection is returned as a *ScriptRejection.
func (s *RedisService) CreateAndBet(ctx context.Context, p CreateAndBetParams) (*CreateAndBetResult, error) {
	keys := []string{
		activeKey(p.Username),
		seedKey(p.Username),
		balanceKey(p.Username),
		KeyBalanceDirty,
		gameKey(p.GameID),
		activeGamesKey(p.Username),
	}
	args := []any{
		models.FormatAmount(p.BetAmount),
		p.GameID,
		p.Username,
		p.GridSize,
		p.MineCount,
		p.GridSize - p.MineCount,
		models.GameRecordVersion,
		p.Now.UnixMilli(),
		seconds(p.GameTTL),
		seconds(p.SeedTTL),
		"0",
	}
	if p.Seed != nil {
		args[len(args)-1] = "1"
		args = append(args,
			p.Seed.ActiveServerSeed,
			p.Seed.ActiveServerSeedHash,
			p.Seed.ActiveClientSeed,
			p.Seed.NextServerSeed,
			p.Seed.NextServerSeedHash,
			p.Seed.Nonce,
			p.Seed.TotalGamesPlayed,
			p.Seed.MaxGamesPerSeed,
			p.Seed.CreatedAt.UnixMilli(),
		)
	}

	values, err := runReply(ctx, createAndBetScript, s.client, keys, args...)
	if err != nil {
		return nil, err
	}
	if len(values) != 6 {
		return nil, apperr.Integrity("create-and-bet reply", fmt.Errorf("got %d values", len(values)))
	}
	nonce, err := strconv.ParseInt(values[1], 10, 64)
	if err != nil {
		return nil, apperr.Integrity("create-and-bet nonce", err)
	}
	balance, err := decimal.NewFromString(values[5])
	if err != nil {
		return nil, apperr.Integrity("create-and-bet balance", err)
	}
	if balance.IsNegative() {
		return nil, apperr.Integrity("negative balance after debit", nil)
	}
	return &CreateAndBetResult{
		Nonce:          nonce,
		ServerSeed:     values[2],
		ServerSeedHash: values[3],
		ClientSeed:     values[4],
		NewBalance:     balance,
	}, nil
}

// RevealUpdate is the state a reveal moves a game to.
type RevealUpdate struct {
	GameID           string
	Tile             int
	ExpectedRevealed string
	NewRevealed      string
	Multiplier       decimal.Decimal
	GemsLeft         int
	Status           models.GameStatus
	Now              time.Time
}

// RevealTile sets the tile's bit in the revealed mask unless the game is not
// playing, the bit is already set, or the mask moved since it was read.
func (s *RedisService) RevealTile(ctx context.Context, u RevealUpdate) error {
	_, err := runReply(ctx, revealTileScript, s.client, []string{gameKey(u.GameID)},
		u.Tile,
		u.ExpectedRevealed,
		u.NewRevealed,
		u.Multiplier.StringFixed(2),
		u.GemsLeft,
		string(u.Status),
		u.Now.UnixMilli(),
	)
	return err
}

// CreditBalance adds amount to the cached balance and marks it dirty.
func (s *RedisService) CreditBalance(ctx context.Context, username string, amount decimal.Decimal) (decimal.Decimal, error) {
	values, err := runReply(ctx, creditBalanceScript, s.client,
		[]string{balanceKey(username), KeyBalanceDirty},
		models.FormatAmount(amount), username)
	if err != nil {
		return decimal.Zero, err
	}
	if len(values) != 2 {
		return decimal.Zero, apperr.Integrity("credit reply", fmt.Errorf("got %d values", len(values)))
	}
	balance, err := decimal.NewFromString(values[1])
	if err != nil {
		return decimal.Zero, apperr.Integrity("credit balance", err)
	}
	return balance, nil
}

// SettleGame credits payout and removes the finished game gameID, its active
// pointer and its index entry in one step. It reports false when the record is
// already gone, meaning another caller settled it.
func (s *RedisService) SettleGame(ctx context.Context, username, gameID string, payout decimal.Decimal) (bool, error) {
	_, err := runReply(ctx, settleGameScript, s.client,
		[]string{gameKey(gameID), balanceKey(username), KeyBalanceDirty, activeKey(username), activeGamesKey(username)},
		gameID, username, models.FormatAmount(payout))
	if IsRejection(err, rejectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearDirtyIfUnchanged drops username from the dirty set only if the cached
// balance still equals flushed.
func (s *RedisService) ClearDirtyIfUnchanged(ctx context.Context, username, flushed string) (bool, error) {
	n, err := clearDirtyScript.Run(ctx, s.client,
		[]string{balanceKey(username), KeyBalanceDirty}, username, flushed).Int()
	if err != nil {
		return false, apperr.Transient("clear dirty balance", err)
	}
	return n == 1, nil
}

// ClearActive removes the active-game pointer if it still names gameID, and
// drops gameID from the active-games index.
func (s *RedisService) ClearActive(ctx context.Context, username, gameID string) error {
	if err := clearActiveScript.Run(ctx, s.client, []string{activeKey(username)}, gameID).Err(); err != nil {
		return apperr.Transient("clear active game", err)
	}
	if err := s.client.SRem(ctx, activeGamesKey(username), gameID).Err(); err != nil {
		return apperr.Transient("remove active game index", err)
	}
	return nil
}

func (s *RedisService) CheckRateLimit(ctx context.Context, username, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, username, action)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	if count == 1 {
		s.client.Expire(ctx, key, window)
	}

	return count <= int64(limit), nil
}

func (s *RedisService) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (s *RedisService) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}

// runReply runs a script returning {1, ...} on success or {0, CODE} on a
// clean rejection, and returns the string values after the status.
func runReply(ctx context.Context, script *redis.Script, client *redis.Client, keys []string, args ...any) ([]string, error) {
	raw, err := script.Run(ctx, client, keys, args...).Slice()
	if err != nil {
		return nil, apperr.Transient("run script", err)
	}
	if len(raw) == 0 {
		return nil, apperr.Integrity("empty script reply", nil)
	}
	status, ok := raw[0].(int64)
	if !ok {
		return nil, apperr.Integrity("script status", fmt.Errorf("unexpected %T", raw[0]))
	}
	values := make([]string, 0, len(raw))
	values = append(values, strconv.FormatInt(status, 10))
	for _, v := range raw[1:] {
		switch t := v.(type) {
		case string:
			values = append(values, t)
		case int64:
			values = append(values, strconv.FormatInt(t, 10))
		default:
			values = append(values, "")
		}
	}
	if status != 1 {
		code := ""
		if len(values) > 1 {
			code = values[1]
		}
		return nil, &ScriptRejection{Code: code}
	}
	return values, nil
}
