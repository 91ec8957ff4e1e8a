package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"micro-casino/internal/apperr"
	"micro-casino/internal/fairness"
	"micro-casino/internal/logging"
	"micro-casino/internal/models"
	"micro-casino/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	createAttempts      = 3
)

type MinesConfig struct {
	Limits          models.BetLimits
	GameTTL         time.Duration
	SeedCacheTTL    time.Duration
	GameLockTTL     time.Duration
	TileLockTTL     time.Duration
	HistoryCacheTTL time.Duration
}

type MinesDeps struct {
	Redis       *RedisService
	Games       *GameRepository
	Seeds       *SeedManager
	Balances    *BalanceCache
	Backup      *BackupService
	Experience  *ExperienceService
	Broadcaster Broadcaster
	History     storage.GameStore
	Tasks       *TaskRunner
	Logger      *zap.Logger
}

// MinesService drives mines rounds: creation, reveals, cashout and the
// bookkeeping that follows a round's end.
type MinesService struct {
	MinesDeps
	cfg MinesConfig
	now func() time.Time
}

func NewMinesService(deps MinesDeps, cfg MinesConfig) *MinesService {
	deps.Logger = logging.OrNop(deps.Logger)
	return &MinesService{MinesDeps: deps, cfg: cfg, now: time.Now}
}

// CreateGame validates the request, debits the bet and starts a round.
func (s *MinesService) CreateGame(ctx context.Context, username string, req *models.CreateGameRequest) (*models.GameSummary, error) {
	bet, err := req.Validate(s.cfg.Limits)
	if err != nil {
		return nil, err
	}

	lock, err := s.Redis.AcquireLock(ctx, createLockKey(username), s.cfg.GameLockTTL)
	if errors.Is(err, ErrLockHeld) {
		return nil, apperr.ErrActiveGameExists
	}
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lock)

	if err := s.recoverActive(ctx, username); err != nil {
		return nil, err
	}
	if _, err := s.Balances.Warm(ctx, username); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	params := CreateAndBetParams{
		Username:  username,
		GameID:    models.GenerateGameID(),
		BetAmount: bet,
		GridSize:  req.GridSize,
		MineCount: req.MineCount,
		GameTTL:   s.cfg.GameTTL,
		SeedTTL:   s.cfg.SeedCacheTTL,
		Now:       now,
	}
	res, err := s.createAndBet(ctx, &params)
	if err != nil {
		return nil, err
	}

	// The bet is debited from here on; every failure must compensate.
	game := &models.MinesGameState{
		Version:        models.GameRecordVersion,
		GameID:         params.GameID,
		Username:       username,
		GridSize:       req.GridSize,
		MineCount:      req.MineCount,
		RevealedMask:   new(big.Int),
		RevealedTiles:  []int{},
		Multiplier:     fairness.CalculateMultiplier(req.MineCount, req.GridSize, 0),
		Status:         models.StatusPlaying,
		BetAmount:      bet,
		ServerSeed:     res.ServerSeed,
		ServerSeedHash: res.ServerSeedHash,
		ClientSeed:     res.ClientSeed,
		Nonce:          res.Nonce,
		GemsLeft:       req.GridSize - req.MineCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	game.MineMask, err = fairness.GenerateMineMask(res.ServerSeed, res.ClientSeed, res.Nonce, req.GridSize, req.MineCount)
	if err != nil {
		s.integrity("mine generation failed", err, game)
		s.compensate(ctx, game)
		return nil, err
	}
	if err := s.Games.SaveFinal(ctx, game); err != nil {
		s.Logger.Error("finalize game failed", zap.String("game_id", game.GameID), zap.Error(err))
		s.compensate(ctx, game)
		return nil, err
	}

	s.Seeds.MirrorNonce(username, res.ServerSeedHash, res.Nonce)
	snapshot := *game
	s.Tasks.Go("backup game", func(ctx context.Context) error {
		_, err := s.Backup.BackupCreated(ctx, &snapshot)
		return err
	}, nil)

	s.Logger.Info("mines game created",
		zap.String("game_id", game.GameID),
		zap.String("username", username),
		zap.String("bet", models.FormatAmount(bet)),
		zap.Int("grid_size", game.GridSize),
		zap.Int("mine_count", game.MineCount),
		zap.Int64("nonce", game.Nonce))
	return game.Sanitize(), nil
}

// createAndBet runs the create-and-bet script, warming the balance or
// embedding the durable seed when the cache misses them.
func (s *MinesService) createAndBet(ctx context.Context, params *CreateAndBetParams) (*CreateAndBetResult, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		res, err := s.Redis.CreateAndBet(ctx, *params)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var rejection *ScriptRejection
		if !errors.As(err, &rejection) {
			return nil, err
		}
		switch rejection.Code {
		case rejectActiveGameExists:
			return nil, apperr.ErrActiveGameExists
		case rejectInsufficientBalance:
			return nil, apperr.ErrInsufficientBalance
		case rejectInvalidBet:
			return nil, apperr.Validation("bet amount must be positive")
		case rejectBalanceNotCached:
			if _, err := s.Balances.Warm(ctx, params.Username); err != nil {
				return nil, err
			}
		case rejectSeedNotCached:
			seed, err := s.Seeds.loadDurable(ctx, params.Username)
			if err != nil {
				return nil, err
			}
			params.Seed = seed
		default:
			s.Logger.Error("create-and-bet rejected",
				zap.String("username", params.Username),
				zap.String("code", rejection.Code))
			return nil, apperr.Integrity("create-and-bet rejected with "+rejection.Code, err)
		}
	}
	return nil, apperr.Transient("create game", lastErr)
}

// compensate undoes a creation whose debit went through: refund the bet,
// drop the pointer and the placeholder.
func (s *MinesService) compensate(ctx context.Context, game *models.MinesGameState) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.Balances.Credit(ctx, game.Username, game.BetAmount); err != nil {
		s.integrity("refund after failed creation", err, game)
	}
	if err := s.Games.ClearActive(ctx, game.Username, game.GameID); err != nil {
		s.Logger.Warn("clear active game after failed creation", zap.String("game_id", game.GameID), zap.Error(err))
	}
	if err := s.Games.Delete(ctx, game.GameID); err != nil {
		s.Logger.Warn("delete placeholder after failed creation", zap.String("game_id", game.GameID), zap.Error(err))
	}
}

// RevealTile uncovers one tile of the caller's game.
func (s *MinesService) RevealTile(ctx context.Context, username, gameID string, tile int) (*models.RevealResult, error) {
	gameLock, err := s.lock(ctx, gameLockKey(gameID), s.cfg.GameLockTTL)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, gameLock)

	tileLock, err := s.lock(ctx, tileLockKey(gameID, tile), s.cfg.TileLockTTL)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, tileLock)

	game, err := s.playable(ctx, username, gameID)
	if err != nil {
		return nil, err
	}
	if tile < 0 || tile >= game.GridSize {
		return nil, apperr.ErrInvalidTile
	}
	if fairness.IsBitSet(game.RevealedMask, tile) {
		return nil, apperr.ErrAlreadyRevealed
	}

	hitMine := fairness.IsBitSet(game.MineMask, tile)
	revealed := new(big.Int).SetBit(game.RevealedMask, tile, 1)
	status := models.StatusPlaying
	multiplier := game.Multiplier
	gemsLeft := game.GemsLeft
	if hitMine {
		status = models.StatusLost
		multiplier = decimal.Zero
	} else {
		safeRevealed := len(game.RevealedTiles) + 1
		multiplier = fairness.CalculateMultiplier(game.MineCount, game.GridSize, safeRevealed)
		gemsLeft = game.SafeTiles() - safeRevealed
		if safeRevealed == game.SafeTiles() {
			status = models.StatusWon
		}
	}

	now := s.now().UTC()
	err = s.Redis.RevealTile(ctx, RevealUpdate{
		GameID:           gameID,
		Tile:             tile,
		ExpectedRevealed: fairness.FormatMask(game.RevealedMask, game.GridSize),
		NewRevealed:      fairness.FormatMask(revealed, game.GridSize),
		Multiplier:       multiplier,
		GemsLeft:         gemsLeft,
		Status:           status,
		Now:              now,
	})
	if err != nil {
		return nil, revealError(err)
	}

	game.RevealedMask = revealed
	game.RevealedTiles = append(game.RevealedTiles, tile)
	game.Multiplier = multiplier
	game.GemsLeft = gemsLeft
	game.Status = status
	game.UpdatedAt = now

	result := &models.RevealResult{
		GameID:      gameID,
		TileIndex:   tile,
		HitMine:     hitMine,
		Active:      status == models.StatusPlaying,
		Status:      status,
		Multiplier:  multiplier,
		GemsLeft:    gemsLeft,
		PayoutDelta: decimal.Zero,
	}
	if !status.IsTerminal() {
		return result, nil
	}

	payout := payoutFor(game)
	if err := s.finish(ctx, game, payout); err != nil {
		return nil, err
	}
	result.PayoutDelta = payout
	result.MinePositions = fairness.MaskToPositions(game.MineMask)
	result.ServerSeed = s.Seeds.RevealedServerSeed(ctx, username, game.ServerSeedHash, game.ClientSeed, game.Nonce)
	return result, nil
}

// Cashout ends the caller's game at its current multiplier.
func (s *MinesService) Cashout(ctx context.Context, username, gameID string) (*models.CashoutResult, error) {
	gameLock, err := s.lock(ctx, gameLockKey(gameID), s.cfg.GameLockTTL)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, gameLock)

	game, err := s.playable(ctx, username, gameID)
	if err != nil {
		return nil, err
	}
	if game.RevealedMask.Sign() == 0 {
		return nil, apperr.ErrNothingRevealed
	}

	now := s.now().UTC()
	ok, err := s.Games.MarkCashedOut(ctx, gameID, fairness.FormatMask(game.RevealedMask, game.GridSize), now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrConcurrentModification
	}
	game.Status = models.StatusCashedOut
	game.UpdatedAt = now

	winnings := payoutFor(game)
	if err := s.finish(ctx, game, winnings); err != nil {
		return nil, err
	}
	return &models.CashoutResult{
		GameID:        gameID,
		Winnings:      winnings,
		Multiplier:    game.Multiplier,
		ServerSeed:    s.Seeds.RevealedServerSeed(ctx, username, game.ServerSeedHash, game.ClientSeed, game.Nonce),
		MinePositions: fairness.MaskToPositions(game.MineMask),
	}, nil
}

// finish is the bookkeeping shared by every terminal transition. Winnings are
// credited and the record leaves the fast store in one atomic settlement
// before returning; the durable update, experience and live event follow in
// the background. A failed settlement leaves the terminal record in place for
// recoverActive or a retried request to settle later.
func (s *MinesService) finish(ctx context.Context, game *models.MinesGameState, payout decimal.Decimal) error {
	ctx = context.WithoutCancel(ctx)
	completedAt := game.UpdatedAt
	if completedAt.IsZero() {
		completedAt = s.now().UTC()
	}

	settled, err := s.settle(ctx, game, payout)
	if err != nil {
		s.integrity("settle finished game failed", err, game)
		if apperr.KindOf(err) == apperr.KindIntegrity {
			return err
		}
		return apperr.Transient("settle game", err)
	}
	if !settled {
		// Another caller settled this round and scheduled its bookkeeping.
		return nil
	}

	snapshot := *game
	minePositions := fairness.MaskToPositions(game.MineMask)
	event := models.LiveBetEvent{
		Username:   game.Username,
		GameType:   models.GameTypeMines,
		Stake:      game.BetAmount,
		Profit:     payout.Sub(game.BetAmount),
		Multiplier: game.Multiplier,
		Timestamp:  completedAt.UnixMilli(),
	}
	steps := []Step{
		{Name: "finish backup", Run: func(ctx context.Context) error {
			if err := s.Backup.BackupFinished(ctx, &snapshot, payout, minePositions, completedAt); err != nil {
				return err
			}
			// Only now does the durable row carry the final result.
			return s.Redis.client.Del(ctx, historyKey(snapshot.Username)).Err()
		}},
		{Name: "award experience", Run: func(ctx context.Context) error {
			return s.Experience.Award(ctx, snapshot.Username, snapshot.BetAmount)
		}},
		{Name: "publish live bet", Run: func(ctx context.Context) error {
			return s.Broadcaster.BroadcastBet(ctx, event)
		}},
	}
	s.Tasks.Fanout("finish game "+game.GameID, steps, func(ctx context.Context) {
		if _, err := s.Seeds.AutoRotateIfDue(ctx, snapshot.Username); err != nil {
			s.Logger.Warn("auto rotation", zap.String("username", snapshot.Username), zap.Error(err))
		}
	})

	s.Logger.Info("mines game finished",
		zap.String("game_id", game.GameID),
		zap.String("username", game.Username),
		zap.String("status", string(game.Status)),
		zap.String("payout", models.FormatAmount(payout)),
		zap.Int("revealed", len(game.RevealedTiles)))
	return nil
}

// settle runs the settlement script with retry. It reports false when the
// record was already settled by someone else.
func (s *MinesService) settle(ctx context.Context, game *models.MinesGameState, payout decimal.Decimal) (bool, error) {
	var settled bool
	err := s.Tasks.Retry(ctx, func(ctx context.Context) error {
		ok, err := s.Redis.SettleGame(ctx, game.Username, game.GameID, payout)
		if IsRejection(err, rejectBalanceNotCached) {
			if _, err := s.Balances.Warm(ctx, game.Username); err != nil {
				return err
			}
			ok, err = s.Redis.SettleGame(ctx, game.Username, game.GameID, payout)
		}
		var rejection *ScriptRejection
		if errors.As(err, &rejection) {
			return apperr.Integrity("settle rejected with "+rejection.Code, err)
		}
		if err != nil {
			return err
		}
		settled = ok
		return nil
	})
	return settled, err
}

// recoverActive settles a finished round still named by the user's active
// pointer and clears a pointer whose record has expired, so neither can block
// the next round.
func (s *MinesService) recoverActive(ctx context.Context, username string) error {
	gameID, err := s.Games.ActiveGameID(ctx, username)
	if err != nil || gameID == "" {
		return err
	}
	game, err := s.Games.Get(ctx, gameID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.Logger.Info("clearing stale active pointer", zap.String("username", username), zap.String("game_id", gameID))
		return s.Games.ClearActive(ctx, username, gameID)
	}
	if err != nil {
		return err
	}
	if !game.Status.IsTerminal() {
		return nil
	}
	s.Logger.Warn("settling unsettled game", zap.String("username", username), zap.String("game_id", gameID))
	return s.finish(ctx, game, payoutFor(game))
}

// payoutFor is what a terminal round pays: bet times multiplier on a win or
// cashout, nothing on a loss.
func payoutFor(game *models.MinesGameState) decimal.Decimal {
	switch game.Status {
	case models.StatusWon, models.StatusCashedOut:
		return game.BetAmount.Mul(game.Multiplier).Round(2)
	default:
		return decimal.Zero
	}
}

// VerifyGame recomputes a round's mine layout from its seeds.
func (s *MinesService) VerifyGame(req *models.VerifyRequest) (*models.VerifyResult, error) {
	gridSize := req.GridSize
	if gridSize == 0 {
		gridSize = s.cfg.Limits.DefaultGridSize
	}
	if gridSize < fairness.MinGridSize || gridSize > s.cfg.Limits.MaxGridSize {
		return nil, apperr.Validation(fmt.Sprintf("grid size must be between %d and %d", fairness.MinGridSize, s.cfg.Limits.MaxGridSize))
	}
	mask, err := fairness.GenerateMineMask(req.ServerSeed, req.ClientSeed, req.Nonce, gridSize, req.MineCount)
	if err != nil {
		return nil, err
	}
	return &models.VerifyResult{
		ServerSeedHash: fairness.HashServerSeed(req.ServerSeed),
		ClientSeed:     req.ClientSeed,
		Nonce:          req.Nonce,
		GridSize:       gridSize,
		MineCount:      req.MineCount,
		MineMask:       fairness.FormatMask(mask, gridSize),
		MinePositions:  fairness.MaskToPositions(mask),
	}, nil
}

// GetActiveGame returns the caller's running game, or nil when there is none.
func (s *MinesService) GetActiveGame(ctx context.Context, username string) (*models.GameSummary, error) {
	if _, err := s.Games.LiveActiveGames(ctx, username); err != nil {
		return nil, err
	}
	if err := s.recoverActive(ctx, username); err != nil {
		return nil, err
	}
	gameID, err := s.Games.ActiveGameID(ctx, username)
	if err != nil || gameID == "" {
		return nil, err
	}
	game, err := s.Games.Get(ctx, gameID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if game.Status.IsTerminal() {
		return nil, nil
	}
	return game.Sanitize(), nil
}

// GetGameHistory returns the caller's most recent rounds from the durable
// store, served from a short-lived cache.
func (s *MinesService) GetGameHistory(ctx context.Context, username string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	entries, ok := s.cachedHistory(ctx, username)
	if !ok {
		records, err := s.History.ListGames(ctx, username, maxHistoryLimit)
		if err != nil {
			return nil, apperr.Transient("load game history", err)
		}
		entries = make([]models.HistoryEntry, 0, len(records))
		for _, r := range records {
			entries = append(entries, historyEntry(r))
		}
		if data, err := json.Marshal(entries); err == nil {
			if err := s.Redis.client.Set(ctx, historyKey(username), data, s.cfg.HistoryCacheTTL).Err(); err != nil {
				s.Logger.Warn("cache game history", zap.String("username", username), zap.Error(err))
			}
		}
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MinesService) cachedHistory(ctx context.Context, username string) ([]models.HistoryEntry, bool) {
	data, err := s.Redis.client.Get(ctx, historyKey(username)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.Logger.Warn("load cached history", zap.String("username", username), zap.Error(err))
		}
		return nil, false
	}
	var entries []models.HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

func historyEntry(r storage.GameRecord) models.HistoryEntry {
	entry := models.HistoryEntry{
		GameID:         r.GameID,
		BetAmount:      r.BetAmount,
		GridSize:       r.GridSize,
		MineCount:      r.MineCount,
		Status:         r.Status,
		Multiplier:     r.Multiplier,
		Payout:         r.Payout,
		Profit:         r.Profit,
		ServerSeedHash: r.ServerSeedHash,
		ClientSeed:     r.ClientSeed,
		Nonce:          r.Nonce,
		RevealedTiles:  r.RevealedTiles,
		CreatedAt:      r.CreatedAt,
		CompletedAt:    r.CompletedAt,
	}
	if r.Status.IsTerminal() {
		entry.MinePositions = r.MinePositions
	}
	return entry
}

func (s *MinesService) GetBalance(ctx context.Context, username string) (*models.BalanceResponse, error) {
	balance, err := s.Balances.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	return &models.BalanceResponse{Username: username, Balance: balance}, nil
}

// playable loads gameID and checks it belongs to username and is PLAYING.
func (s *MinesService) playable(ctx context.Context, username, gameID string) (*models.MinesGameState, error) {
	game, err := s.Games.Get(ctx, gameID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindIntegrity {
			s.Logger.Error("game record unreadable", zap.String("game_id", gameID), zap.Error(err))
		}
		return nil, err
	}
	if game.Username != username {
		return nil, apperr.ErrNotOwner
	}
	switch game.Status {
	case models.StatusPlaying:
		return game, nil
	case models.StatusInitializing:
		return nil, apperr.ErrConcurrentModification
	default:
		// A terminal record still in the fast store was never settled.
		if err := s.finish(ctx, game, payoutFor(game)); err != nil {
			return nil, err
		}
		return nil, apperr.ErrAlreadyEnded
	}
}

func (s *MinesService) lock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lock, err := s.Redis.AcquireLock(ctx, key, ttl)
	if errors.Is(err, ErrLockHeld) {
		return nil, apperr.ErrConcurrentModification
	}
	return lock, err
}

func (s *MinesService) release(ctx context.Context, lock *Lock) {
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		s.Logger.Warn("release lock", zap.Error(err))
	}
}

func (s *MinesService) integrity(msg string, err error, game *models.MinesGameState) {
	s.Logger.Error(msg,
		zap.String("game_id", game.GameID),
		zap.String("username", game.Username),
		zap.Int64("nonce", game.Nonce),
		zap.Int("grid_size", game.GridSize),
		zap.Int("mine_count", game.MineCount),
		zap.String("bet", models.FormatAmount(game.BetAmount)),
		zap.Error(err))
}

func revealError(err error) error {
	var rejection *ScriptRejection
	if !errors.As(err, &rejection) {
		return err
	}
	switch rejection.Code {
	case rejectNotFound:
		return apperr.ErrNotFound
	case rejectNotPlaying:
		return apperr.ErrAlreadyEnded
	case rejectAlreadyRevealed:
		return apperr.ErrAlreadyRevealed
	case rejectInvalidTile:
		return apperr.ErrInvalidTile
	case rejectStale:
		return apperr.ErrConcurrentModification
	default:
		return apperr.Integrity(fmt.Sprintf("reveal rejected with %s", rejection.Code), err)
	}
}
