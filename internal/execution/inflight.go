// Package execution 提供下单路径上的执行保护。
package execution

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// ErrDuplicateInFlight 同一下单意图仍在 in-flight（或在 TTL 窗口内）
var ErrDuplicateInFlight = fmt.Errorf("duplicate in-flight")

// InFlightDeduper 短时间窗口内的确定性去重。
//
// 一个 key 代表一次下单意图（账户+标的+方向+数量+价格），
// 在它的请求返回并拿到确认推送之前，相同意图的再次提交会被拒绝。
// 误判代价高，所以用分片 map 而不是概率结构。
type InFlightDeduper struct {
	ttl    time.Duration
	shards []inFlightShard
	now    func() time.Time
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

// NewInFlightDeduper 创建去重器。
// ttl 是一个 key 最长占用时间，应不小于一次提交+等待确认的超时。
func NewInFlightDeduper(ttl time.Duration, shardCount int) *InFlightDeduper {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &InFlightDeduper{ttl: ttl, shards: shards, now: time.Now}
}

// IntentKey 把下单意图的各字段拼成去重 key，空字段保留位置
func IntentKey(parts ...string) string {
	return strings.Join(parts, "|")
}

// TryAcquire 占用 key，已被占用时返回 ErrDuplicateInFlight。
// nil 去重器和空 key 总是成功。
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil || key == "" {
		return nil
	}
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// 惰性清理，只在访问时清理本 shard
	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}

	if _, ok := sh.m[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateInFlight, key)
	}
	sh.m[key] = now.Add(d.ttl)
	return nil
}

// Acquire 占用 key 并返回释放函数，释放函数可重复调用
func (d *InFlightDeduper) Acquire(key string) (release func(), err error) {
	if err := d.TryAcquire(key); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { d.Release(key) }) }, nil
}

// Release 提前释放 key
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Len 当前占用中的 key 数（含尚未清理的过期项）
func (d *InFlightDeduper) Len() int {
	if d == nil {
		return 0
	}
	n := 0
	for i := range d.shards {
		sh := &d.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

func (d *InFlightDeduper) shard(key string) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &d.shards[h.Sum32()%uint32(len(d.shards))]
}
