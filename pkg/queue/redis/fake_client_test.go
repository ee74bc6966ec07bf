package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis implements Client in memory with a single level of stream and
// consumer group semantics.
type fakeRedis struct {
	mu      sync.Mutex
	keys    map[string]time.Duration
	streams map[string]*fakeStream
	xaddErr error
	readErr error
	acked   []string
	deleted []string
}

type fakeStream struct {
	entries []redis.XMessage
	groups  map[string]*fakeGroup
	seq     int
}

type fakeGroup struct {
	next    int
	order   []string
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	msg   redis.XMessage
	since time.Time
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		keys:    make(map[string]time.Duration),
		streams: make(map[string]*fakeStream),
	}
}

func (f *fakeRedis) stream(key string) *fakeStream {
	s, ok := f.streams[key]
	if !ok {
		s = &fakeStream{groups: make(map[string]*fakeGroup)}
		f.streams[key] = s
	}
	return s
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, _ interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewBoolCmd(ctx)
	if _, ok := f.keys[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	f.keys[key] = expiration
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			f.deleted = append(f.deleted, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewStringCmd(ctx)
	if f.xaddErr != nil {
		cmd.SetErr(f.xaddErr)
		return cmd
	}

	values, ok := a.Values.(map[string]interface{})
	if !ok {
		cmd.SetErr(fmt.Errorf("unsupported values type %T", a.Values))
		return cmd
	}
	s := f.stream(a.Stream)
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	copied := make(map[string]interface{}, len(values))
	for k, v := range values {
		copied[k] = fmt.Sprint(v)
	}
	s.entries = append(s.entries, redis.XMessage{ID: id, Values: copied})
	cmd.SetVal(id)
	return cmd
}

// addRaw appends an entry without going through XAdd.
func (f *fakeRedis) addRaw(stream string, values map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	s.seq++
	s.entries = append(s.entries, redis.XMessage{ID: fmt.Sprintf("%d-0", s.seq), Values: values})
}

func (f *fakeRedis) XGroupCreateMkStream(ctx context.Context, stream, group, _ string) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewStatusCmd(ctx)
	s := f.stream(stream)
	if _, ok := s.groups[group]; ok {
		cmd.SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
		return cmd
	}
	s.groups[group] = &fakeGroup{pending: make(map[string]*pendingEntry)}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)
	key := a.Streams[0]

	f.mu.Lock()
	if f.readErr != nil {
		err := f.readErr
		f.mu.Unlock()
		cmd.SetErr(err)
		time.Sleep(time.Millisecond)
		return cmd
	}
	s := f.stream(key)
	g, ok := s.groups[a.Group]
	if !ok {
		f.mu.Unlock()
		cmd.SetErr(errors.New("NOGROUP No such key or consumer group"))
		return cmd
	}

	var batch []redis.XMessage
	for g.next < len(s.entries) && int64(len(batch)) < a.Count {
		msg := s.entries[g.next]
		g.next++
		g.pending[msg.ID] = &pendingEntry{msg: msg, since: time.Now()}
		g.order = append(g.order, msg.ID)
		batch = append(batch, msg)
	}
	f.mu.Unlock()

	if len(batch) == 0 {
		select {
		case <-ctx.Done():
			cmd.SetErr(ctx.Err())
		case <-time.After(min(a.Block, 10*time.Millisecond)):
			cmd.SetErr(redis.Nil)
		}
		return cmd
	}
	cmd.SetVal([]redis.XStream{{Stream: key, Messages: batch}})
	return cmd
}

func (f *fakeRedis) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewXAutoClaimCmd(ctx)
	s := f.stream(a.Stream)
	g, ok := s.groups[a.Group]
	if !ok {
		cmd.SetErr(errors.New("NOGROUP No such key or consumer group"))
		return cmd
	}

	var claimed []redis.XMessage
	now := time.Now()
	for _, id := range g.order {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.since) < a.MinIdle {
			continue
		}
		if int64(len(claimed)) >= a.Count {
			break
		}
		p.since = now
		claimed = append(claimed, p.msg)
	}
	cmd.SetVal(claimed, "0-0")
	return cmd
}

func (f *fakeRedis) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	g := f.stream(stream).groups[group]
	var n int64
	for _, id := range ids {
		if g != nil {
			if _, ok := g.pending[id]; ok {
				delete(g.pending, id)
				n++
			}
		}
		f.acked = append(f.acked, id)
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) entries(stream string) []redis.XMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]redis.XMessage(nil), f.stream(stream).entries...)
}

func (f *fakeRedis) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func (f *fakeRedis) pendingCount(stream, group string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.stream(stream).groups[group]
	if g == nil {
		return 0
	}
	return len(g.pending)
}

func (f *fakeRedis) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}
