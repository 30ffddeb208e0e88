// Package bucket evaluates token buckets against a shared Redis store
// through one server-side atomic primitive.
package bucket

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every store round trip unless configured otherwise.
const DefaultTimeout = 100 * time.Millisecond

// Store is the slice of the redis client surface the engine needs.
// *redis.Client and *redis.ClusterClient both satisfy it.
type Store interface {
	redis.Scripter
	Pipeline() redis.Pipeliner
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Engine dispatches single and batched bucket evaluations, keeps the
// primitive resident in the store, and derives reset/retry timing from
// returned tuples.
type Engine struct {
	store   Store
	timeout time.Duration
	logger  *zap.Logger
}

func NewEngine(store Store, timeout time.Duration, logger *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		timeout: timeout,
		logger:  logger,
	}
}

// Load pushes both scripts into the store's script cache so later calls can
// run by digest alone.
func (e *Engine) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	for _, s := range []*redis.Script{checkScript, peekScript} {
		if err := s.Load(ctx, e.store).Err(); err != nil {
			return NewLoadFailedError(err)
		}
	}
	e.logger.Debug("bucket scripts loaded",
		zap.String("check_sha", checkScript.Hash()),
		zap.String("peek_sha", peekScript.Hash()))
	return nil
}

// Check runs one atomic evaluation. A script-cache miss reloads the script
// and retries once before surfacing a store error.
func (e *Engine) Check(ctx context.Context, c Check) (Result, error) {
	return e.run(ctx, checkScript, c)
}

// Peek reports the state a check would observe without consuming a token.
func (e *Engine) Peek(ctx context.Context, c Check) (Result, error) {
	return e.run(ctx, peekScript, c)
}

func (e *Engine) run(ctx context.Context, script *redis.Script, c Check) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	c = c.withTTL()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	reply, err := script.Run(ctx, e.store, []string{c.Key}, c.args(time.Now().UnixMilli())...).Result()
	if err != nil {
		return Result{}, classify(c.Key, err)
	}
	return parseReply(c.Key, reply)
}

// CheckMany evaluates a set of checks, grouping keys that share a hash tag
// into one pipelined call and dispatching the rest as parallel singles.
// Results line up with the input order. Any store error fails the whole
// dispatch; partial consumption may have happened on the store side.
func (e *Engine) CheckMany(ctx context.Context, checks []Check) ([]Result, error) {
	results := make([]Result, len(checks))
	switch len(checks) {
	case 0:
		return results, nil
	case 1:
		r, err := e.Check(ctx, checks[0])
		if err != nil {
			return nil, err
		}
		results[0] = r
		return results, nil
	}

	for _, c := range checks {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}

	groups := make(map[string][]int)
	var singles []int
	for i, c := range checks {
		if tag := SlotTag(c.Key); tag != "" {
			groups[tag] = append(groups[tag], i)
		} else {
			singles = append(singles, i)
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, idx := range groups {
		if len(idx) == 1 {
			singles = append(singles, idx[0])
			continue
		}
		wg.Add(1)
		go func(idx []int) {
			defer wg.Done()
			if err := e.runBatch(ctx, checks, idx, results); err != nil {
				setErr(err)
			}
		}(idx)
	}
	for _, i := range singles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := e.Check(ctx, checks[i])
			if err != nil {
				setErr(err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// runBatch pipelines one EvalSha per same-tag key. On a script-cache miss it
// reloads the script and replays the pipeline exactly once.
func (e *Engine) runBatch(ctx context.Context, checks []Check, idx []int, results []Result) error {
	now := time.Now().UnixMilli()

	exec := func() ([]*redis.Cmd, error) {
		bctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		pipe := e.store.Pipeline()
		cmds := make([]*redis.Cmd, len(idx))
		for j, i := range idx {
			c := checks[i].withTTL()
			cmds[j] = pipe.EvalSha(bctx, checkScript.Hash(), []string{c.Key}, c.args(now)...)
		}
		_, err := pipe.Exec(bctx)
		return cmds, err
	}

	cmds, err := exec()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		lctx, cancel := context.WithTimeout(ctx, e.timeout)
		lerr := checkScript.Load(lctx, e.store).Err()
		cancel()
		if lerr != nil {
			return classify(checks[idx[0]].Key, lerr)
		}
		e.logger.Debug("bucket script reloaded after cache miss",
			zap.String("sha", checkScript.Hash()))
		cmds, err = exec()
	}
	if err != nil {
		return classify(checks[idx[0]].Key, err)
	}

	for j, i := range idx {
		reply, err := cmds[j].Result()
		if err != nil {
			return classify(checks[i].Key, err)
		}
		r, err := parseReply(checks[i].Key, reply)
		if err != nil {
			return err
		}
		results[i] = r
	}
	return nil
}

// Reset deletes a bucket key, restoring the bucket to full on next access.
func (e *Engine) Reset(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.store.Del(ctx, key).Err(); err != nil {
		return classify(key, err)
	}
	return nil
}

// Ping probes store connectivity.
func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.store.Ping(ctx).Err()
}

func (c Check) args(nowMS int64) []any {
	ttl := int64(c.TTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	return []any{
		c.Capacity,
		c.RefillRate,
		nowMS,
		c.SoftPct,
		c.HardPct,
		ttl,
	}
}

func parseReply(key string, reply any) (Result, error) {
	vals, ok := reply.([]any)
	if !ok || len(vals) != 4 {
		return Result{}, NewBadReplyError(key, reply)
	}
	nums := make([]int64, 4)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return Result{}, NewBadReplyError(key, reply)
		}
		nums[i] = n
	}
	state, ok := stateFromCode(nums[1])
	if !ok {
		return Result{}, NewBadReplyError(key, reply)
	}
	return Result{
		Allowed:  nums[0] == 1,
		State:    state,
		Tokens:   int(nums[2]),
		UsagePct: int(nums[3]),
	}, nil
}
