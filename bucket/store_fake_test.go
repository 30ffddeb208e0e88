package bucket

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"math"
	"sync"

	"github.com/redis/go-redis/v9"
)

// fakeStore emulates the store-side primitive semantics in process so engine
// tests run without a live server. Script execution follows the same
// algorithm as checkSrc/peekSrc.
type fakeStore struct {
	mu      sync.Mutex
	buckets map[string]*fakeBucket
	loaded  map[string]string // sha -> source

	failErr error // every script call fails with this when set
	loadErr error // ScriptLoad fails with this when set

	evalCalls int // direct Eval executions
	shaCalls  int // direct EvalSha executions
	execCalls int // pipeline Exec rounds
}

type fakeBucket struct {
	tokens     float64
	lastRefill int64 // ms
	expireAt   int64 // ms, 0 = no expiry
}

// redisErr carries the RedisError marker so prefix checks treat the fake's
// failures like server replies.
type redisErr string

func (e redisErr) Error() string { return string(e) }
func (redisErr) RedisError()     {}

var errNoScript error = redisErr("NOSCRIPT No matching script. Please use EVAL.")

func newFakeStore() *fakeStore {
	return &fakeStore{
		buckets: make(map[string]*fakeBucket),
		loaded:  make(map[string]string),
	}
}

func shaHex(src string) string {
	h := sha1.Sum([]byte(src))
	return hex.EncodeToString(h[:])
}

func argFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

// evalLocked runs the script mirror. Caller holds mu.
func (s *fakeStore) evalLocked(src, key string, args []any) ([]any, error) {
	capacity := argFloat(args[0])
	refill := argFloat(args[1])
	nowMS := argFloat(args[2])
	soft := argFloat(args[3])
	hard := argFloat(args[4])
	ttlSec := argFloat(args[5])
	consume := src == checkSrc

	b, exists := s.buckets[key]
	if exists && b.expireAt > 0 && int64(nowMS) >= b.expireAt {
		delete(s.buckets, key)
		exists = false
	}
	tokens := capacity
	lastRefill := int64(nowMS)
	if exists {
		tokens = b.tokens
		lastRefill = b.lastRefill
	}

	elapsed := (nowMS - float64(lastRefill)) / 1000
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = math.Min(capacity, tokens+elapsed*refill)
	lastRefill = int64(nowMS)

	usage := (capacity - tokens) / capacity * 100

	allowed := int64(1)
	state := int64(0)
	switch {
	case usage >= hard:
		allowed = 0
		state = 2
	case usage >= soft:
		state = 1
	}

	if consume && allowed == 1 {
		tokens--
		usageAfter := (capacity - tokens) / capacity * 100
		if usageAfter >= hard {
			tokens++
			allowed = 0
			state = 2
		} else {
			usage = usageAfter
		}
	}

	if consume && allowed == 1 {
		s.buckets[key] = &fakeBucket{
			tokens:     tokens,
			lastRefill: lastRefill,
			expireAt:   int64(nowMS) + int64(ttlSec)*1000,
		}
	}

	return []any{allowed, state, int64(math.Floor(tokens)), int64(math.Floor(usage))}, nil
}

func (s *fakeStore) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evalCalls++
	if s.failErr != nil {
		cmd.SetErr(s.failErr)
		return cmd
	}
	s.loaded[shaHex(script)] = script
	val, err := s.evalLocked(script, keys[0], args)
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}
	cmd.SetVal(val)
	return cmd
}

func (s *fakeStore) EvalSha(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shaCalls++
	if s.failErr != nil {
		cmd.SetErr(s.failErr)
		return cmd
	}
	src, ok := s.loaded[sha]
	if !ok {
		cmd.SetErr(errNoScript)
		return cmd
	}
	val, err := s.evalLocked(src, keys[0], args)
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}
	cmd.SetVal(val)
	return cmd
}

func (s *fakeStore) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return s.Eval(ctx, script, keys, args...)
}

func (s *fakeStore) EvalShaRO(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	return s.EvalSha(ctx, sha, keys, args...)
}

func (s *fakeStore) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(hashes))
	for i, h := range hashes {
		_, out[i] = s.loaded[h]
	}
	cmd.SetVal(out)
	return cmd
}

func (s *fakeStore) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		cmd.SetErr(s.loadErr)
		return cmd
	}
	sha := shaHex(script)
	s.loaded[sha] = script
	cmd.SetVal(sha)
	return cmd
}

func (s *fakeStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := s.buckets[k]; ok {
			delete(s.buckets, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (s *fakeStore) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if s.failErr != nil {
		cmd.SetErr(s.failErr)
		return cmd
	}
	cmd.SetVal("PONG")
	return cmd
}

func (s *fakeStore) Pipeline() redis.Pipeliner {
	return &fakePipeline{store: s}
}

func (s *fakeStore) setBucket(key string, tokens float64, lastRefillMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[key] = &fakeBucket{tokens: tokens, lastRefill: lastRefillMS}
}

func (s *fakeStore) bucket(key string) (fakeBucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		return fakeBucket{}, false
	}
	return *b, true
}

// fakePipeline implements the slice of redis.Pipeliner the engine uses;
// anything else panics through the nil embedded interface.
type fakePipeline struct {
	redis.Pipeliner
	store  *fakeStore
	queued []queuedEval
}

type queuedEval struct {
	sha  string
	key  string
	args []any
	cmd  *redis.Cmd
}

func (p *fakePipeline) EvalSha(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	p.queued = append(p.queued, queuedEval{sha: sha, key: keys[0], args: args, cmd: cmd})
	return cmd
}

func (p *fakePipeline) Exec(ctx context.Context) ([]redis.Cmder, error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execCalls++

	var firstErr error
	cmders := make([]redis.Cmder, 0, len(p.queued))
	for _, q := range p.queued {
		cmders = append(cmders, q.cmd)
		if s.failErr != nil {
			q.cmd.SetErr(s.failErr)
			if firstErr == nil {
				firstErr = s.failErr
			}
			continue
		}
		src, ok := s.loaded[q.sha]
		if !ok {
			q.cmd.SetErr(errNoScript)
			if firstErr == nil {
				firstErr = errNoScript
			}
			continue
		}
		val, err := s.evalLocked(src, q.key, q.args)
		if err != nil {
			q.cmd.SetErr(err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		q.cmd.SetVal(val)
	}
	return cmders, firstErr
}
