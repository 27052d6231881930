package third_party

// 删除对应的分布式锁, 但删除前会去取得该锁，取锁失败会直接返回
const LuaCheckAndDeleteDistributionLock = `
	local localKey = KEYS[1]
	local targetToken = ARGV[1]
	local getToken = redis.call("get", localKey)
	if (not getToken or getToken ~= targetToken) then
		return 0
	else
		return redis.call("del", localKey)
	end
`

// 刷新分布式锁的过期时间，但删除前会去取得该锁，取锁失败会直接返回
const LuaCheckAndExpireDistributionLock = `
	local localKey = KEYS[1]
	local targetToken = ARGV[1]
	local expire = ARGV[2]
	local getToken = redis.call("get", localKey)
	if (not getToken or getToken ~= targetToken) then
		return 0
	else
		return redis.call("expire", localKey, expire)
	end
`

// 日志追加: ETag匹配时追加一条日志并更新ETag
// KEYS: etag, journal  ARGV: expectedETag, newETag, entry
// 返回 {1, 日志长度} 或 {0, 当前ETag}
const LuaJournalAppend = `
	local current = redis.call("get", KEYS[1]) or ""
	if current ~= ARGV[1] then
		return {0, current}
	end
	local length = redis.call("rpush", KEYS[2], ARGV[3])
	redis.call("set", KEYS[1], ARGV[2])
	return {1, length}
`

// 读取快照和日志, 如果上次压缩没有完成则先完成它
// KEYS: etag, journal, snapshot, pendingSnapshot, marker
// 返回 {etag, snapshot, entry1, entry2, ...}
const LuaJournalLoad = `
	local covered = redis.call("get", KEYS[5])
	if covered then
		local pending = redis.call("get", KEYS[4])
		if pending then
			redis.call("set", KEYS[3], pending)
			redis.call("del", KEYS[4])
		end
		redis.call("ltrim", KEYS[2], tonumber(covered), -1)
		redis.call("del", KEYS[5])
	end
	local result = {redis.call("get", KEYS[1]) or "", redis.call("get", KEYS[3]) or ""}
	local entries = redis.call("lrange", KEYS[2], 0, -1)
	for i = 1, #entries do
		result[#result + 1] = entries[i]
	end
	return result
`

// 压缩第一阶段: ETag匹配且日志没有变短时写入待生效快照和标记
// KEYS: etag, journal, pendingSnapshot, marker  ARGV: expectedETag, newETag, snapshot, covered
const LuaCompactionPrepare = `
	local current = redis.call("get", KEYS[1]) or ""
	if current ~= ARGV[1] then
		return 0
	end
	if redis.call("llen", KEYS[2]) < tonumber(ARGV[4]) then
		return 0
	end
	redis.call("set", KEYS[3], ARGV[3])
	redis.call("set", KEYS[4], ARGV[4])
	redis.call("set", KEYS[1], ARGV[2])
	return 1
`

// 压缩第二阶段: 快照生效, 截掉已经被快照覆盖的日志
// KEYS: journal, snapshot, pendingSnapshot, marker
const LuaCompactionFinalize = `
	local covered = redis.call("get", KEYS[4])
	if not covered then
		return 0
	end
	local pending = redis.call("get", KEYS[3])
	if pending then
		redis.call("set", KEYS[2], pending)
		redis.call("del", KEYS[3])
	end
	redis.call("ltrim", KEYS[1], tonumber(covered), -1)
	redis.call("del", KEYS[4])
	return 1
`
