package services

import "github.com/redis/go-redis/v9"

// Scripts run inside Redis, so each one reads, checks and writes in a single
// round trip. Money is handled in integer cents and formatted back to two
// decimals. Rejections return {0, CODE} and leave every key untouched.

// KEYS: active pointer, seed hash, balance, dirty set, game hash, active index.
// ARGV: bet, game id, username, grid size, mine count, gems left, version,
// now millis, game ttl, seed ttl, embed flag, then nine seed fields when embedding.
var createAndBetScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return {0, 'ACTIVE_GAME_EXISTS'}
	end

	local bet = tonumber(ARGV[1])
	if not bet or bet <= 0 then
		return {0, 'INVALID_BET'}
	end
	local betCents = math.floor(bet * 100 + 0.5)
	if betCents <= 0 then
		return {0, 'INVALID_BET'}
	end

	if redis.call('EXISTS', KEYS[2]) == 0 then
		if ARGV[11] ~= '1' then
			return {0, 'SEED_NOT_CACHED'}
		end
		redis.call('HSET', KEYS[2],
			'username', ARGV[3],
			'active_server_seed', ARGV[12],
			'active_server_seed_hash', ARGV[13],
			'active_client_seed', ARGV[14],
			'next_server_seed', ARGV[15],
			'next_server_seed_hash', ARGV[16],
			'nonce', ARGV[17],
			'total_games_played', ARGV[18],
			'max_games_per_seed', ARGV[19],
			'created_at', ARGV[20])
	end

	local raw = redis.call('GET', KEYS[3])
	if not raw then
		return {0, 'BALANCE_NOT_CACHED'}
	end
	local balance = tonumber(raw)
	if not balance then
		return {0, 'BALANCE_MALFORMED'}
	end
	local balanceCents = math.floor(balance * 100 + 0.5)
	if balanceCents < betCents then
		return {0, 'INSUFFICIENT_BALANCE'}
	end

	local nonce = redis.call('HINCRBY', KEYS[2], 'nonce', 1)
	redis.call('HINCRBY', KEYS[2], 'total_games_played', 1)
	redis.call('EXPIRE', KEYS[2], ARGV[10])

	local remaining = balanceCents - betCents
	local newBalance = string.format('%d.%02d', math.floor(remaining / 100), remaining % 100)
	redis.call('SET', KEYS[3], newBalance)
	redis.call('SADD', KEYS[4], ARGV[3])

	local seed = redis.call('HMGET', KEYS[2], 'active_server_seed', 'active_server_seed_hash', 'active_client_seed')
	local stake = string.format('%d.%02d', math.floor(betCents / 100), betCents % 100)
	redis.call('HSET', KEYS[5],
		'version', ARGV[7],
		'game_id', ARGV[2],
		'username', ARGV[3],
		'grid_size', ARGV[4],
		'mine_count', ARGV[5],
		'mine_mask', '',
		'revealed_mask', '',
		'revealed_tiles', '',
		'multiplier', '1.00',
		'status', 'INITIALIZING',
		'bet_amount', stake,
		'server_seed', seed[1],
		'server_seed_hash', seed[2],
		'client_seed', seed[3],
		'nonce', tostring(nonce),
		'gems_left', ARGV[6],
		'durable_id', '0',
		'created_at', ARGV[8],
		'updated_at', ARGV[8])
	redis.call('EXPIRE', KEYS[5], ARGV[9])
	redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[9])
	redis.call('SADD', KEYS[6], ARGV[2])
	redis.call('EXPIRE', KEYS[6], ARGV[9])

	return {1, tostring(nonce), seed[1], seed[2], seed[3], newBalance}
`)

// KEYS: game hash. ARGV: tile, expected revealed mask, new revealed mask,
// multiplier, gems left, status, updated at.
var revealTileScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return {0, 'NOT_FOUND'}
	end
	local fields = redis.call('HMGET', KEYS[1], 'status', 'revealed_mask', 'grid_size', 'revealed_tiles')
	if fields[1] ~= 'PLAYING' then
		return {0, 'NOT_PLAYING'}
	end

	local tile = tonumber(ARGV[1])
	local grid = tonumber(fields[3])
	if not tile or not grid or tile < 0 or tile >= grid then
		return {0, 'INVALID_TILE'}
	end

	local mask = fields[2]
	local pos = string.len(mask) - math.floor(tile / 4)
	if pos < 1 then
		return {0, 'INVALID_TILE'}
	end
	local digit = tonumber(string.sub(mask, pos, pos), 16)
	if not digit then
		return {0, 'INVALID_TILE'}
	end
	if math.floor(digit / (2 ^ (tile % 4))) % 2 == 1 then
		return {0, 'ALREADY_REVEALED'}
	end
	if mask ~= ARGV[2] then
		return {0, 'STALE'}
	end

	local tiles = fields[4]
	if not tiles or tiles == '' then
		tiles = ARGV[1]
	else
		tiles = tiles .. ',' .. ARGV[1]
	end

	redis.call('HSET', KEYS[1],
		'revealed_mask', ARGV[3],
		'revealed_tiles', tiles,
		'multiplier', ARGV[4],
		'gems_left', ARGV[5],
		'status', ARGV[6],
		'updated_at', ARGV[7])
	return {1, tiles}
`)

// KEYS: hash. ARGV: condition count, condition field/value pairs, then
// mutation field/value pairs. Returns 1 when applied, 0 otherwise.
var conditionalUpdateScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	local n = tonumber(ARGV[1])
	for i = 0, n - 1 do
		local current = redis.call('HGET', KEYS[1], ARGV[2 + 2 * i])
		if not current or current ~= ARGV[3 + 2 * i] then
			return 0
		end
	end
	local first = 2 + 2 * n
	if #ARGV > first then
		local args = {}
		for i = first, #ARGV do
			args[#args + 1] = ARGV[i]
		end
		redis.call('HSET', KEYS[1], unpack(args))
	end
	return 1
`)

// KEYS: balance, dirty set. ARGV: amount, username.
var creditBalanceScript = redis.NewScript(`
	local raw = redis.call('GET', KEYS[1])
	if not raw then
		return {0, 'BALANCE_NOT_CACHED'}
	end
	local balance = tonumber(raw)
	local amount = tonumber(ARGV[1])
	if not balance then
		return {0, 'BALANCE_MALFORMED'}
	end
	if not amount or amount < 0 then
		return {0, 'INVALID_AMOUNT'}
	end
	local cents = math.floor(balance * 100 + 0.5) + math.floor(amount * 100 + 0.5)
	local updated = string.format('%d.%02d', math.floor(cents / 100), cents % 100)
	redis.call('SET', KEYS[1], updated)
	redis.call('SADD', KEYS[2], ARGV[2])
	return {1, updated}
`)

// KEYS: game hash, balance, dirty set, active pointer, active index.
// ARGV: game id, username, payout. Credits the payout and removes a terminal
// round from the fast store together, so a round is either settled in full or
// left intact for the next attempt.
var settleGameScript = redis.NewScript(`
	local status = redis.call('HGET', KEYS[1], 'status')
	if not status then
		return {0, 'NOT_FOUND'}
	end
	if status ~= 'WON' and status ~= 'LOST' and status ~= 'CASHED_OUT' then
		return {0, 'NOT_TERMINAL'}
	end
	local amount = tonumber(ARGV[3])
	if not amount or amount < 0 then
		return {0, 'INVALID_AMOUNT'}
	end

	local payoutCents = math.floor(amount * 100 + 0.5)
	local updated = ''
	if payoutCents > 0 then
		local raw = redis.call('GET', KEYS[2])
		if not raw then
			return {0, 'BALANCE_NOT_CACHED'}
		end
		local balance = tonumber(raw)
		if not balance then
			return {0, 'BALANCE_MALFORMED'}
		end
		local cents = math.floor(balance * 100 + 0.5) + payoutCents
		updated = string.format('%d.%02d', math.floor(cents / 100), cents % 100)
		redis.call('SET', KEYS[2], updated)
		redis.call('SADD', KEYS[3], ARGV[2])
	end

	redis.call('DEL', KEYS[1])
	if redis.call('GET', KEYS[4]) == ARGV[1] then
		redis.call('DEL', KEYS[4])
	end
	redis.call('SREM', KEYS[5], ARGV[1])
	return {1, updated}
`)

// KEYS: balance, dirty set. ARGV: username, flushed value.
var clearDirtyScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[2] then
		return redis.call('SREM', KEYS[2], ARGV[1])
	end
	return 0
`)

// KEYS: seed hash. ARGV: ttl, then field/value pairs.
var cacheSeedScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	local args = {}
	for i = 2, #ARGV do
		args[#args + 1] = ARGV[i]
	end
	redis.call('HSET', KEYS[1], unpack(args))
	redis.call('EXPIRE', KEYS[1], ARGV[1])
	return 1
`)

// KEYS: seed hash. ARGV: ttl.
var incrementNonceScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return {0, 'SEED_NOT_CACHED'}
	end
	local nonce = redis.call('HINCRBY', KEYS[1], 'nonce', 1)
	redis.call('HINCRBY', KEYS[1], 'total_games_played', 1)
	redis.call('EXPIRE', KEYS[1], ARGV[1])
	return {1, tostring(nonce), redis.call('HGET', KEYS[1], 'active_server_seed_hash')}
`)

// KEYS: lock. ARGV: token.
var releaseLockScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// KEYS: active pointer. ARGV: game id.
var clearActiveScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)
