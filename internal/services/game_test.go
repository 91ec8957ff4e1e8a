package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"micro-casino/internal/apperr"
	"micro-casino/internal/fairness"
	"micro-casino/internal/models"
	"micro-casino/internal/services"
	"micro-casino/internal/storage/sqlite"
)

type testEnv struct {
	mr       *miniredis.Miniredis
	faults   *scriptFaults
	redis    *services.RedisService
	store    *sqlite.Store
	tasks    *services.TaskRunner
	games    *services.GameRepository
	seeds    *services.SeedManager
	balances *services.BalanceCache
	mines    *services.MinesService
}

func testLimits() models.BetLimits {
	return models.BetLimits{
		MinBet:          decimal.RequireFromString("0.01"),
		MaxBet:          decimal.RequireFromString("10000"),
		DefaultGridSize: 25,
		MaxGridSize:     400,
	}
}

func setupTestEnv(t *testing.T, maxGamesPerSeed int64) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "mines.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	faults := &scriptFaults{}
	client.AddHook(faults)
	rs := services.NewRedisServiceFromClient(client)

	tasks := services.NewTaskRunner(logger, 3).WithInitialBackoff(time.Millisecond)
	t.Cleanup(tasks.Wait)

	games := services.NewGameRepository(rs)
	seeds := services.NewSeedManager(rs, store, games, tasks, services.SeedManagerConfig{
		MaxGamesPerSeed: maxGamesPerSeed,
		CacheTTL:        time.Hour,
		LockTTL:         5 * time.Second,
	}, logger)
	balances := services.NewBalanceCache(rs, store, decimal.RequireFromString("100.00"), logger)

	mines := services.NewMinesService(services.MinesDeps{
		Redis:       rs,
		Games:       games,
		Seeds:       seeds,
		Balances:    balances,
		Backup:      services.NewBackupService(store, games),
		Experience:  services.NewExperienceService(store),
		Broadcaster: services.NewRedisBroadcaster(rs),
		History:     store,
		Tasks:       tasks,
		Logger:      logger,
	}, services.MinesConfig{
		Limits:          testLimits(),
		GameTTL:         time.Hour,
		SeedCacheTTL:    time.Hour,
		GameLockTTL:     5 * time.Second,
		TileLockTTL:     5 * time.Second,
		HistoryCacheTTL: time.Minute,
	})

	return &testEnv{
		mr:       mr,
		faults:   faults,
		redis:    rs,
		store:    store,
		tasks:    tasks,
		games:    games,
		seeds:    seeds,
		balances: balances,
		mines:    mines,
	}
}

func (e *testEnv) create(t *testing.T, username, bet string, mines int) *models.MinesGameState {
	t.Helper()
	summary, err := e.mines.CreateGame(context.Background(), username, &models.CreateGameRequest{
		BetAmount: bet,
		MineCount: mines,
	})
	require.NoError(t, err)
	game, err := e.games.Get(context.Background(), summary.GameID)
	require.NoError(t, err)
	return game
}

func (e *testEnv) balance(t *testing.T, username string) string {
	t.Helper()
	b, err := e.balances.Get(context.Background(), username)
	require.NoError(t, err)
	return models.FormatAmount(b)
}

// scriptFaults fails matching Lua script calls while armed.
type scriptFaults struct {
	mu        sync.Mutex
	match     func(args []any) bool
	remaining int
}

func (f *scriptFaults) arm(times int, match func(args []any) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.match, f.remaining = match, times
}

func (f *scriptFaults) fire(cmd redis.Cmder) bool {
	if name := cmd.Name(); name != "evalsha" && name != "eval" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining == 0 || f.match == nil || !f.match(cmd.Args()) {
		return false
	}
	f.remaining--
	return true
}

func (f *scriptFaults) DialHook(next redis.DialHook) redis.DialHook { return next }

func (f *scriptFaults) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (f *scriptFaults) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if f.fire(cmd) {
			err := errors.New("injected script failure")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

// onGameScript matches scripts taking numKeys keys, the first being a game
// record. Settlement takes five, the conditional update one.
func onGameScript(numKeys int) func(args []any) bool {
	return func(args []any) bool {
		return len(args) > 3 &&
			fmt.Sprint(args[2]) == strconv.Itoa(numKeys) &&
			strings.HasPrefix(fmt.Sprint(args[3]), "mines:game:")
	}
}

func safeTiles(game *models.MinesGameState) []int {
	var tiles []int
	for i := 0; i < game.GridSize; i++ {
		if !fairness.IsBitSet(game.MineMask, i) {
			tiles = append(tiles, i)
		}
	}
	return tiles
}

func TestCreateGameDebitsAndCommitsLayout(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()

	summary, err := env.mines.CreateGame(ctx, "alice", &models.CreateGameRequest{BetAmount: "10.00", MineCount: 3})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlaying, summary.Status)
	assert.Equal(t, 25, summary.GridSize)
	assert.Equal(t, int64(1), summary.Nonce)
	assert.Equal(t, 22, summary.GemsLeft)
	assert.NotEmpty(t, summary.ServerSeedHash)
	assert.Equal(t, "90.00", env.balance(t, "alice"))

	game, err := env.games.Get(ctx, summary.GameID)
	require.NoError(t, err)
	assert.Equal(t, 3, fairness.CountSetBits(game.MineMask))
	expected, err := fairness.GenerateMineMask(game.ServerSeed, game.ClientSeed, game.Nonce, 25, 3)
	require.NoError(t, err)
	assert.Zero(t, expected.Cmp(game.MineMask), "layout must be derived from the committed seeds")
	assert.Equal(t, fairness.HashServerSeed(game.ServerSeed), game.ServerSeedHash)

	active, err := env.mines.GetActiveGame(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, summary.GameID, active.GameID)

	env.tasks.Wait()
	rows, err := env.store.ListGames(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusPlaying, rows[0].Status)
	assert.Empty(t, rows[0].MinePositions)

	game, err = env.games.Get(ctx, summary.GameID)
	require.NoError(t, err)
	assert.Equal(t, rows[0].ID, game.DurableID)
}

func TestCreateGameRejections(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()

	_, err := env.mines.CreateGame(ctx, "alice", &models.CreateGameRequest{BetAmount: "500.00", MineCount: 3})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	_, err = env.mines.CreateGame(ctx, "alice", &models.CreateGameRequest{BetAmount: "1.00", MineCount: 25})
	assert.ErrorIs(t, err, apperr.ErrInvalidParameters)

	active, err := env.mines.GetActiveGame(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Equal(t, "100.00", env.balance(t, "alice"))

	env.create(t, "alice", "1.00", 3)
	_, err = env.mines.CreateGame(ctx, "alice", &models.CreateGameRequest{BetAmount: "1.00", MineCount: 3})
	assert.ErrorIs(t, err, apperr.ErrActiveGameExists)
	assert.Equal(t, "99.00", env.balance(t, "alice"))
}

func TestConcurrentCreateGameDebitsOnce(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	env.balance(t, "alice")

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.mines.CreateGame(ctx, "alice", &models.CreateGameRequest{BetAmount: "5.00", MineCount: 3})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			assert.ErrorIs(t, err, apperr.ErrActiveGameExists)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, "95.00", env.balance(t, "alice"))
}

func TestRevealSafeTileAdvancesMultiplier(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	game := env.create(t, "alice", "10.00", 3)
	tile := safeTiles(game)[0]

	res, err := env.mines.RevealTile(ctx, "alice", game.GameID, tile)
	require.NoError(t, err)
	assert.False(t, res.HitMine)
	assert.True(t, res.Active)
	assert.Equal(t, models.StatusPlaying, res.Status)
	assert.Equal(t, 21, res.GemsLeft)
	assert.True(t, res.Multiplier.Equal(fairness.CalculateMultiplier(3, 25, 1)))
	assert.True(t, res.PayoutDelta.IsZero())
	assert.Empty(t, res.MinePositions, "layout stays hidden while playing")

	_, err = env.mines.RevealTile(ctx, "alice", game.GameID, tile)
	assert.ErrorIs(t, err, apperr.ErrAlreadyRevealed)

	_, err = env.mines.RevealTile(ctx, "alice", game.GameID, 25)
	assert.ErrorIs(t, err, apperr.ErrInvalidTile)

	_, err = env.mines.RevealTile(ctx, "bob", game.GameID, safeTiles(game)[1])
	assert.ErrorIs(t, err, apperr.ErrNotOwner)

	stored, err := env.games.Get(ctx, game.GameID)
	require.NoError(t, err)
	assert.Equal(t, []int{tile}, stored.RevealedTiles)
}

func TestRevealMineLosesRound(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	game := env.create(t, "alice", "10.00", 3)
	mine := fairness.MaskToPositions(game.MineMask)[0]

	res, err := env.mines.RevealTile(ctx, "alice", game.GameID, mine)
	require.NoError(t, err)
	assert.True(t, res.HitMine)
	assert.False(t, res.Active)
	assert.Equal(t, models.StatusLost, res.Status)
	assert.True(t, res.Multiplier.IsZero())
	assert.True(t, res.PayoutDelta.IsZero())
	assert.Equal(t, fairness.MaskToPositions(game.MineMask), res.MinePositions)
	assert.Empty(t, res.ServerSeed, "seed stays secret until rotation")
	assert.Equal(t, "90.00", env.balance(t, "alice"))

	_, err = env.games.Get(ctx, game.GameID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = env.mines.RevealTile(ctx, "alice", game.GameID, safeTiles(game)[0])
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	env.tasks.Wait()
	rows, err := env.store.ListGames(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusLost, rows[0].Status)
	assert.Equal(t, "-10.00", models.FormatAmount(rows[0].Profit))
	assert.Equal(t, fairness.MaskToPositions(game.MineMask), rows[0].MinePositions)
	assert.Equal(t, []int{mine}, rows[0].RevealedTiles)

	xp, err := env.store.GetExperience(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), xp)
}

func TestRevealEverySafeTileWinsCappedMultiplier(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	game := env.create(t, "alice", "1.00", 3)
	tiles := safeTiles(game)
	require.Len(t, tiles, 22)

	var res *models.RevealResult
	for _, tile := range tiles {
		var err error
		res, err = env.mines.RevealTile(ctx, "alice", game.GameID, tile)
		require.NoError(t, err)
	}
	assert.Equal(t, models.StatusWon, res.Status)
	assert.Equal(t, 0, res.GemsLeft)
	assert.Equal(t, "1000.00", models.FormatAmount(res.Multiplier))
	assert.Equal(t, "1000.00", models.FormatAmount(res.PayoutDelta))
	assert.Equal(t, "1099.00", env.balance(t, "alice"))

	active, err := env.mines.GetActiveGame(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestConcurrentRevealOfSameTile(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	game := env.create(t, "alice", "10.00", 3)
	tile := safeTiles(game)[0]

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.mines.RevealTile(ctx, "alice", game.GameID, tile)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			assert.True(t,
				errors.Is(err, apperr.ErrAlreadyRevealed) || errors.Is(err, apperr.ErrConcurrentModification),
				"unexpected error %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	stored, err := env.games.Get(ctx, game.GameID)
	require.NoError(t, err)
	assert.Equal(t, []int{tile}, stored.RevealedTiles)
	assert.Equal(t, 21, stored.GemsLeft)
}

func TestCashout(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	game := env.create(t, "alice", "10.00", 3)

	_, err := env.mines.Cashout(ctx, "alice", game.GameID)
	assert.ErrorIs(t, err, apperr.ErrNothingRevealed)
	assert.Equal(t, "90.00", env.balance(t, "alice"))

	_, err = env.mines.RevealTile(ctx, "alice", game.GameID, safeTiles(game)[0])
	require.NoError(t, err)

	_, err = env.mines.Cashout(ctx, "bob", game.GameID)
	assert.ErrorIs(t, err, apperr.ErrNotOwner)

	res, err := env.mines.Cashout(ctx, "alice", game.GameID)
	require.NoError(t, err)
	multiplier := fairness.CalculateMultiplier(3, 25, 1)
	winnings := decimal.RequireFromString("10").Mul(multiplier).Round(2)
	assert.True(t, res.Multiplier.Equal(multiplier))
	assert.True(t, res.Winnings.Equal(winnings))
	assert.Equal(t, fairness.MaskToPositions(game.MineMask), res.MinePositions)
	assert.Equal(t, models.FormatAmount(decimal.RequireFromString("90").Add(winnings)), env.balance(t, "alice"))

	_, err = env.mines.Cashout(ctx, "alice", game.GameID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	env.tasks.Wait()
	history, err := env.mines.GetGameHistory(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusCashedOut, history[0].Status)
	assert.True(t, history[0].Payout.Equal(winnings))
	assert.True(t, history[0].Profit.Equal(winnings.Sub(decimal.NewFromInt(10))))
	assert.Len(t, history[0].MinePositions, 3)
}

func TestGameHistoryIsCachedAndInvalidated(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		game := env.create(t, "alice", "1.00", 3)
		_, err := env.mines.RevealTile(ctx, "alice", game.GameID, fairness.MaskToPositions(game.MineMask)[0])
		require.NoError(t, err)
		env.tasks.Wait()
	}

	history, err := env.mines.GetGameHistory(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.True(t, env.mr.Exists("mines:history:alice"))

	history, err = env.mines.GetGameHistory(ctx, "alice", 500)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	game := env.create(t, "alice", "1.00", 3)
	_, err = env.mines.RevealTile(ctx, "alice", game.GameID, fairness.MaskToPositions(game.MineMask)[0])
	require.NoError(t, err)
	env.tasks.Wait()
	assert.False(t, env.mr.Exists("mines:history:alice"), "finishing a round drops the cached history")

	history, err = env.mines.GetGameHistory(ctx, "alice", 500)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, game.GameID, history[0].GameID)
	assert.Equal(t, models.StatusLost, history[0].Status, "cache refills with the final row")
	assert.Equal(t, fairness.MaskToPositions(game.MineMask), history[0].MinePositions)
}

func TestRotationAfterRoundRevealsSeed(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	game := env.create(t, "alice", "10.00", 3)

	_, err := env.seeds.RotateSeed(ctx, "alice", "", models.RotationManual)
	assert.ErrorIs(t, err, apperr.ErrActiveGameBlocksRotation)

	v, err := env.seeds.VerifyGameResult(ctx, "alice", game.ServerSeedHash, game.ClientSeed, game.Nonce)
	require.NoError(t, err)
	assert.Equal(t, models.SeedPending, v.Status)
	assert.Empty(t, v.ServerSeed)

	res, err := env.mines.RevealTile(ctx, "alice", game.GameID, fairness.MaskToPositions(game.MineMask)[0])
	require.NoError(t, err)
	assert.Empty(t, res.ServerSeed)
	env.tasks.Wait()

	info, err := env.seeds.RotateSeed(ctx, "alice", "my-new-seed", models.RotationManual)
	require.NoError(t, err)
	assert.Equal(t, "my-new-seed", info.ActiveClientSeed)
	assert.NotEqual(t, game.ServerSeedHash, info.ActiveServerSeedHash)
	assert.Zero(t, info.Nonce)

	v, err = env.seeds.VerifyGameResult(ctx, "alice", game.ServerSeedHash, game.ClientSeed, game.Nonce)
	require.NoError(t, err)
	require.Equal(t, models.SeedVerified, v.Status)
	assert.Equal(t, game.ServerSeed, v.ServerSeed)

	verified, err := env.mines.VerifyGame(&models.VerifyRequest{
		ServerSeed: v.ServerSeed,
		ClientSeed: game.ClientSeed,
		Nonce:      game.Nonce,
		MineCount:  3,
	})
	require.NoError(t, err)
	assert.Equal(t, fairness.MaskToPositions(game.MineMask), verified.MinePositions)
	assert.Equal(t, game.ServerSeedHash, verified.ServerSeedHash)

	next := env.create(t, "alice", "1.00", 3)
	assert.Equal(t, int64(1), next.Nonce)
	assert.Equal(t, info.ActiveServerSeedHash, next.ServerSeedHash)
}

func TestAutoRotationAfterMaxGames(t *testing.T) {
	env := setupTestEnv(t, 2)
	ctx := context.Background()

	first := env.create(t, "alice", "1.00", 3)
	_, err := env.mines.RevealTile(ctx, "alice", first.GameID, fairness.MaskToPositions(first.MineMask)[0])
	require.NoError(t, err)
	env.tasks.Wait()

	second := env.create(t, "alice", "1.00", 3)
	assert.Equal(t, first.ServerSeedHash, second.ServerSeedHash)
	_, err = env.mines.RevealTile(ctx, "alice", second.GameID, fairness.MaskToPositions(second.MineMask)[0])
	require.NoError(t, err)
	env.tasks.Wait()

	info, err := env.seeds.GetSeedInfo(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.ServerSeedHash, info.ActiveServerSeedHash)
	assert.Equal(t, first.ClientSeed, info.ActiveClientSeed, "automatic rotation keeps the client seed")

	record, err := env.store.FindRotation(ctx, first.ServerSeedHash, first.ClientSeed, 2)
	require.NoError(t, err)
	assert.Equal(t, models.RotationAuto, record.RotationType)
	assert.Equal(t, int64(2), record.LastNonce)
}

func TestVerifyGameDefaultsGrid(t *testing.T) {
	env := setupTestEnv(t, 100)

	res, err := env.mines.VerifyGame(&models.VerifyRequest{
		ServerSeed: "server",
		ClientSeed: "client",
		Nonce:      7,
		MineCount:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, 25, res.GridSize)
	assert.Len(t, res.MinePositions, 5)
	assert.Len(t, res.MineMask, fairness.MaskWidth(25))

	_, err = env.mines.VerifyGame(&models.VerifyRequest{ServerSeed: "s", ClientSeed: "c", Nonce: 1, MineCount: 25})
	assert.Error(t, err)

	_, err = env.mines.VerifyGame(&models.VerifyRequest{ServerSeed: "s", ClientSeed: "c", Nonce: 1, GridSize: 401, MineCount: 400})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "grid above the configured maximum")
}

func TestFinishedRoundIsBroadcast(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()

	sub := env.redis.Subscribe(ctx, services.ChannelLiveBets)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	game := env.create(t, "alice", "4.00", 3)
	_, err = env.mines.RevealTile(ctx, "alice", game.GameID, fairness.MaskToPositions(game.MineMask)[0])
	require.NoError(t, err)

	select {
	case msg := <-sub.Channel():
		var event models.LiveBetEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, "alice", event.Username)
		assert.Equal(t, models.GameTypeMines, event.GameType)
		assert.Equal(t, "-4.00", models.FormatAmount(event.Profit))
	case <-time.After(2 * time.Second):
		t.Fatal("no live bet event published")
	}
}

func TestGetActiveGameClearsStalePointer(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	game := env.create(t, "alice", "1.00", 3)

	env.mr.Del("mines:game:" + game.GameID)

	active, err := env.mines.GetActiveGame(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.False(t, env.mr.Exists("mines:active:alice"))

	_, err = env.seeds.RotateSeed(ctx, "alice", "", models.RotationManual)
	assert.NoError(t, err, "an expired game must not block rotation")
}

func TestCreateGameClearsStalePointer(t *testing.T) {
	env := setupTestEnv(t, 100)
	game := env.create(t, "alice", "1.00", 3)

	env.mr.Del("mines:game:" + game.GameID)

	next := env.create(t, "alice", "1.00", 3)
	assert.NotEqual(t, game.GameID, next.GameID)
	pointer, err := env.mr.Get("mines:active:alice")
	require.NoError(t, err)
	assert.Equal(t, next.GameID, pointer)
	members, _ := env.mr.Members("user:alice:active_games")
	assert.Equal(t, []string{next.GameID}, members)
	assert.Equal(t, "98.00", env.balance(t, "alice"))
}

func TestFailedSettlementIsRecoveredOnNextCreate(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	game := env.create(t, "alice", "10.00", 3)
	_, err := env.mines.RevealTile(ctx, "alice", game.GameID, safeTiles(game)[0])
	require.NoError(t, err)

	env.faults.arm(3, onGameScript(5))
	_, err = env.mines.Cashout(ctx, "alice", game.GameID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
	assert.Equal(t, "90.00", env.balance(t, "alice"))

	stranded, err := env.games.Get(ctx, game.GameID)
	require.NoError(t, err, "an unsettled round stays in the fast store")
	assert.Equal(t, models.StatusCashedOut, stranded.Status)

	next := env.create(t, "alice", "1.00", 3)
	assert.NotEqual(t, game.GameID, next.GameID)

	winnings := decimal.RequireFromString("10").Mul(fairness.CalculateMultiplier(3, 25, 1)).Round(2)
	assert.Equal(t, models.FormatAmount(decimal.RequireFromString("89").Add(winnings)), env.balance(t, "alice"))
	_, err = env.games.Get(ctx, game.GameID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	env.tasks.Wait()
	rows, err := env.store.ListGames(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	var settled bool
	for _, row := range rows {
		if row.GameID != game.GameID {
			continue
		}
		settled = true
		assert.Equal(t, models.StatusCashedOut, row.Status)
		assert.True(t, row.Payout.Equal(winnings))
		assert.Equal(t, fairness.MaskToPositions(game.MineMask), row.MinePositions)
	}
	assert.True(t, settled, "recovered round reaches durable history")
}

func TestGetActiveGameSettlesStrandedRound(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	game := env.create(t, "alice", "10.00", 3)

	env.faults.arm(3, onGameScript(5))
	_, err := env.mines.RevealTile(ctx, "alice", game.GameID, fairness.MaskToPositions(game.MineMask)[0])
	require.Error(t, err)
	assert.True(t, env.mr.Exists("mines:game:"+game.GameID))

	active, err := env.mines.GetActiveGame(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.False(t, env.mr.Exists("mines:game:"+game.GameID))
	assert.False(t, env.mr.Exists("mines:active:alice"))
	assert.Equal(t, "90.00", env.balance(t, "alice"))

	env.tasks.Wait()
	rows, err := env.store.ListGames(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusLost, rows[0].Status)
}

func TestSettlementRetriesTransientFailure(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	game := env.create(t, "alice", "10.00", 3)
	_, err := env.mines.RevealTile(ctx, "alice", game.GameID, safeTiles(game)[0])
	require.NoError(t, err)

	env.faults.arm(1, onGameScript(5))
	res, err := env.mines.Cashout(ctx, "alice", game.GameID)
	require.NoError(t, err)

	assert.Equal(t, models.FormatAmount(decimal.RequireFromString("90").Add(res.Winnings)), env.balance(t, "alice"),
		"winnings are credited exactly once")
	assert.False(t, env.mr.Exists("mines:game:"+game.GameID))
	assert.False(t, env.mr.Exists("mines:active:alice"))
}

func TestFailedFinalizationRefundsBet(t *testing.T) {
	env := setupTestEnv(t, 100)
	ctx := context.Background()
	env.balance(t, "alice")

	env.faults.arm(1, onGameScript(1))
	_, err := env.mines.CreateGame(ctx, "alice", &models.CreateGameRequest{BetAmount: "10.00", MineCount: 3})
	require.Error(t, err)

	assert.Equal(t, "100.00", env.balance(t, "alice"))
	assert.False(t, env.mr.Exists("mines:active:alice"))
	members, _ := env.mr.Members("user:alice:active_games")
	assert.Empty(t, members)
	for _, key := range env.mr.Keys() {
		assert.False(t, strings.HasPrefix(key, "mines:game:"), "placeholder %s left behind", key)
	}

	active, err := env.mines.GetActiveGame(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, active)
	env.create(t, "alice", "1.00", 3)
	assert.Equal(t, "99.00", env.balance(t, "alice"))
}
