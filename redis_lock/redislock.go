package redis_lock

import (
	"actortx/third_party"
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const RedisLockKeyPrePrefix = "REDIS_LOCK_PREFIX"

// RedisLock 基于 SET NX EX 的分布式锁, 只有持有token的一方可以续期和释放
type RedisLock struct {
	key    string
	token  string
	client third_party.LockClient

	LockOptions

	//看门狗运作标识
	runningDog int32
	//停止看门狗
	stopDog context.CancelFunc
}

func NewRedisLock(key string, client third_party.LockClient, opts ...LockOption) *RedisLock {
	r := &RedisLock{
		key:    key,
		client: client,
		token:  newToken(),
	}

	for _, opt := range opts {
		opt(&r.LockOptions)
	}

	repairLockOpt(&r.LockOptions)

	return r
}

func (r *RedisLock) Lock(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			return
		}

		//在加锁成功下启动看门狗模式
		r.startWatchDog(ctx)
	}()

	//先尝试取锁
	err = r.tryLock(ctx)
	if err == nil {
		return nil
	}

	if !r.isBlock || !IsRetryableErr(err) {
		return err
	}

	//抢锁失败的情况下进入轮询阻塞状态
	return r.blockingLock(ctx)
}

func (r *RedisLock) tryLock(ctx context.Context) error {
	resp, err := r.client.SetNXWithEX(ctx, r.getLockKey(), r.token, r.expireSeconds)
	if err != nil {
		return err
	}
	if resp != 1 {
		return fmt.Errorf("reply: %d, err: %w", resp, ErrLockInUse)
	}
	return nil
}

func (r *RedisLock) startWatchDog(ctx context.Context) {
	if !r.watchDogMode {
		return
	}

	for !atomic.CompareAndSwapInt32(&r.runningDog, 0, 1) {
		time.Sleep(100 * time.Millisecond) //等待之前的看门狗退出
	}

	// 看门狗的生命周期与锁绑定, 不跟随调用方的ctx
	ctx, r.stopDog = context.WithCancel(context.WithoutCancel(ctx))

	go func() {
		defer atomic.StoreInt32(&r.runningDog, 0)
		r.watchDogRunning(ctx)
	}()
}

func (r *RedisLock) watchDogRunning(ctx context.Context) {
	ticker := time.NewTicker(WatchDogWorkStepSeconds * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//续期时间额外增加5s, 避免网络时延造成锁提前过期
			if err := r.DelayExpire(ctx, WatchDogWorkStepSeconds+5); err != nil {
				r.logger.Warn("redis_lock: watchdog failed to extend lock", zap.String("key", r.key), zap.Error(err))
			}
		}
	}
}

// 更新锁的过期时间, 基于lua脚本保证原子性
func (r *RedisLock) DelayExpire(ctx context.Context, expireSeconds int64) error {
	keysAndArgs := []interface{}{r.getLockKey(), r.token, expireSeconds}

	reply, err := r.client.Eval(ctx, third_party.LuaCheckAndExpireDistributionLock, 1, keysAndArgs)
	if err != nil {
		return err
	}
	if ret, _ := reply.(int64); ret != 1 {
		return fmt.Errorf("fail to delay expired key:%s expire:%d: %w", r.getLockKey(), expireSeconds, ErrLockNotHeld)
	}
	return nil
}

func (r *RedisLock) blockingLock(ctx context.Context) error {
	timeoutCh := time.After(time.Duration(r.blockWaitingSeconds) * time.Second)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ctx done, lock failed: %w", ctx.Err())
		case <-timeoutCh:
			return fmt.Errorf("block wait timeout: %w", ErrLockInUse)
		case <-ticker.C:
			err := r.tryLock(ctx)
			if err == nil {
				return nil
			}
			if !IsRetryableErr(err) {
				return err
			}
		}
	}
}

func (r *RedisLock) Unlock(ctx context.Context) error {
	defer func() {
		if r.stopDog != nil {
			r.stopDog()
		}
	}()

	keysAndArgs := []interface{}{r.getLockKey(), r.token}

	resp, err := r.client.Eval(ctx, third_party.LuaCheckAndDeleteDistributionLock, 1, keysAndArgs)
	if err != nil {
		return err
	}
	if ret, _ := resp.(int64); ret != 1 {
		return fmt.Errorf("fail to unlock key:%s: %w", r.getLockKey(), ErrLockNotHeld)
	}
	return nil
}

func (r *RedisLock) getLockKey() string {
	return RedisLockKeyPrePrefix + r.key
}

var (
	ErrLockInUse   = errors.New("lock already acquired by other")
	ErrLockNotHeld = errors.New("lock is not held by this owner")
	ErrNil         = redis.ErrNil
)

// 判断当前错误是否由锁被占用引起
func IsRetryableErr(err error) bool {
	return errors.Is(err, ErrLockInUse)
}

// token: 进程号 + 随机串, 同一进程内的多把锁互不混淆
func newToken() string {
	return fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString())
}
