package redis

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// cacheableCommands is the conservative allowlist of read commands
// safe to serve from the client-side cache. Unknown
// commands are never cached.
var cacheableCommands = map[string]bool{
	"GET":     true,
	"HGET":    true,
	"HGETALL": true,
	"LLEN":    true,
	"LRANGE":  true, // only the "0 -1" full-range form, checked in isCacheable
}

func isCacheable(cmd Command) bool {
	if !cacheableCommands[cmd.Keyword()] {
		return false
	}
	if cmd.Keyword() == "LRANGE" {
		return len(cmd.Args) == 4 && string(cmd.Args[2]) == "0" && string(cmd.Args[3]) == "-1"
	}
	return true
}

func fingerprint(cmd Command) string {
	key, _ := extractKey(cmd)
	// Include every argument, not just the key, so e.g. "HGET h f1" and
	// "HGET h f2" don't collide. The middle field holds the routing key
	// alone (read back by fingerprintKey for invalidation); the last
	// field holds the full argument list.
	return fmt.Sprintf("%s\x00%s\x00%v", cmd.Keyword(), key, cmd.Args)
}

type cacheEntry struct {
	fp    string
	reply Reply
}

// cache is the client-side cache: a bounded LRU
// keyed by fingerprint, with singleflight-coalesced misses — "only
// one in-flight request per fingerprint; others await its result" is
// the cache's central invariant, and singleflight.Group is exactly
// that primitive.
type cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element

	group   singleflight.Group
	metrics *metrics
}

func newCache(capacity int, m *metrics) *cache {
	return &cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		metrics:  m,
	}
}

// Execute serves cmd from the cache when eligible, otherwise performs
// it on conn and, on success, populates the cache.
func (c *cache) Execute(ctx context.Context, conn *Conn, cmd Command) (Reply, error) {
	if !isCacheable(cmd) {
		fut, err := conn.Execute(ctx, cmd)
		if err != nil {
			return Reply{}, err
		}
		return fut.WaitContext(ctx)
	}

	fp := fingerprint(cmd)

	if reply, ok := c.get(fp); ok {
		c.metrics.incCacheHit()
		return reply, nil
	}
	c.metrics.incCacheMiss()

	v, err, _ := c.group.Do(fp, func() (interface{}, error) {
		fut, err := conn.Execute(ctx, cmd)
		if err != nil {
			return Reply{}, err
		}
		reply, err := fut.WaitContext(ctx)
		if err != nil {
			return Reply{}, newError(KindCacheCoalesced, err)
		}
		if !reply.IsError() {
			c.put(fp, reply)
		}
		return reply, nil
	})
	if err != nil {
		return Reply{}, err
	}
	return v.(Reply), nil
}

func (c *cache) get(fp string) (Reply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[fp]
	if !ok {
		return Reply{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).reply, true
}

func (c *cache) put(fp string, reply Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[fp]; ok {
		el.Value.(*cacheEntry).reply = reply
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{fp: fp, reply: reply})
	c.items[fp] = el
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).fp)
	}
}

// onInvalidate handles a RESP3 "invalidate [key...]" push frame:
// every fingerprint whose key-bytes equal one of the listed keys is
// evicted; an empty list means "flush all".
func (c *cache) onInvalidate(push Reply) {
	if len(push.PushVal) < 2 {
		c.flushAll()
		return
	}
	keysReply := push.PushVal[1]
	if keysReply.IsNull || (keysReply.Type == TypeArray && len(keysReply.Array) == 0) {
		c.flushAll()
		return
	}
	if keysReply.Type != TypeArray {
		return
	}
	for _, k := range keysReply.Array {
		c.evictKey(string(bulkOf(k)))
	}
}

func (c *cache) flushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

func (c *cache) evictKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, el := range c.items {
		if fingerprintKey(fp) == key {
			c.ll.Remove(el)
			delete(c.items, fp)
		}
	}
}

func fingerprintKey(fp string) string {
	// fp is "<cmd>\x00<key>\x00<args>"; the key occupies the middle
	// field between the first two NUL separators.
	first := -1
	for i := 0; i < len(fp); i++ {
		if fp[i] == 0 {
			if first == -1 {
				first = i
				continue
			}
			return fp[first+1 : i]
		}
	}
	return ""
}

// enableClientSideCache opens the secondary connection RESP3 client
// tracking redirects to, fetches its client id, and issues CLIENT
// TRACKING ON REDIRECT <id> on the primary connection.
func enableClientSideCache(ctx context.Context, primary *Conn, opts *Options) error {
	secondary, err := DialConn(ctx, primary.addr, &Options{
		Protocol:       ProtoRESP3,
		Auth:           opts.Auth,
		Database:       opts.Database,
		ConnectTimeout: opts.ConnectTimeout,
		Logger:         opts.Logger,
	})
	if err != nil {
		return err
	}

	idFut, err := secondary.Execute(ctx, NewCommand("CLIENT", "ID"))
	if err != nil {
		secondary.Close()
		return err
	}
	idReply, err := idFut.WaitContext(ctx)
	if err != nil {
		secondary.Close()
		return err
	}

	sharedCache := newCache(opts.ClientSideCacheSize, primary.metrics)
	primary.cache = sharedCache
	secondary.cache = sharedCache
	primary.secondary = secondary

	trackFut, err := primary.Execute(ctx, NewCommand("CLIENT", "TRACKING", "ON", "REDIRECT").WithInt(idReply.Int))
	if err != nil {
		secondary.Close()
		return err
	}
	_, err = trackFut.WaitContext(ctx)
	return err
}
