package redis

import (
	"context"
	"net"
	"sync"
	"time"
)

// ConnState is the closed enum of the connection's state machine.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
	StateSubscribed
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// result is what a pendingRequest's channel carries: the completed
// reply, or the error that finished it instead.
type result struct {
	reply Reply
	err   error
}

// pendingRequest is one FIFO entry carrying the command keyword (for
// logging), a completion channel, and its issue time. The queue's
// wire order is the reply order — the connection's central invariant.
type pendingRequest struct {
	keyword  string
	result   chan result // buffered 1: a late resolution after cancellation never blocks
	issuedAt time.Time
}

// Future is the completion handle Execute returns. Cancelling it
// (via WaitContext's ctx) does not remove the pendingRequest from the
// queue — the wire protocol has no cancel — so the eventual reply is
// simply discarded.
type Future struct {
	pr *pendingRequest
}

// Wait blocks for the reply.
func (f Future) Wait() (Reply, error) {
	r := <-f.pr.result
	return r.reply, r.err
}

// WaitContext blocks for the reply or ctx cancellation, whichever
// comes first.
func (f Future) WaitContext(ctx context.Context) (Reply, error) {
	select {
	case r := <-f.pr.result:
		return r.reply, r.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

type pendingCommand struct {
	cmd Command
	pr  *pendingRequest
}

// Conn owns one TCP byte-stream and drives the RESP codec, the
// pending-request FIFO, the subscription registry, and the
// client-side cache for a single Redis node.
//
// Conn realizes a single-threaded cooperative scheduler: exactly one
// goroutine (readLoop) ever decodes bytes, dispatches push frames, or
// resolves pendingRequests with replies; fail, reached from readLoop or
// from Close, resolves whatever is still pending with a disconnect
// error. Execute synchronizes with it only through
// mu and the buffered room channel; no lock is held across a
// suspension point except the write mutex, which is released between
// commands.
type Conn struct {
	netConn net.Conn
	addr    string
	proto   protocolVersion
	opts    *Options

	mu       sync.Mutex
	state    ConnState
	subCount int
	inMulti  bool
	pending  []*pendingRequest
	preReady []pendingCommand

	writeMu sync.Mutex
	dec     *decoder
	scratch []byte

	room chan struct{} // one token per free pipeline slot

	subs      *subscriptionRegistry
	cache     *cache
	multi     *txCoordinator
	secondary *Conn // client-side-cache invalidation connection, if enabled

	logger  Logger
	metrics *metrics

	closeOnce sync.Once
	closed    chan struct{}
}

// DialConn opens a TCP connection to addr and negotiates the protocol
// version per opts: HELLO 3 (carrying AUTH and SETNAME) for RESP3,
// plain AUTH/CLIENT SETNAME for RESP2, then SELECT when a database is
// configured.
func DialConn(ctx context.Context, addr string, opts *Options) (*Conn, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.sharedMetrics().incReconnect()

	d := net.Dialer{Timeout: opts.ConnectTimeout}
	nc, err := d.DialContext(ctx, network(addr), addr)
	if err != nil {
		return nil, newError(KindIO, err)
	}

	c := &Conn{
		netConn: nc,
		addr:    addr,
		proto:   resp2,
		opts:    opts,
		state:   StateConnecting,
		room:    make(chan struct{}, opts.PipelineDepth),
		dec:     newDecoder(resp2),
		scratch: make([]byte, readScratchSize(opts)),
		logger:  opts.Logger,
		metrics: opts.sharedMetrics(),
		closed:  make(chan struct{}),
	}
	for i := 0; i < opts.PipelineDepth; i++ {
		c.room <- struct{}{}
	}
	c.subs = newSubscriptionRegistry(c)

	c.logger.Debugf("redis: connecting to %s", addr)
	go c.readLoop()

	if err := c.negotiate(ctx, opts); err != nil {
		c.Close()
		return nil, err
	}

	c.mu.Lock()
	c.state = StateReady
	queued := c.preReady
	c.preReady = nil
	c.mu.Unlock()
	for _, pc := range queued {
		if err := c.dispatch(pc.cmd, pc.pr); err != nil {
			pc.pr.result <- result{err: err}
		}
	}

	if opts.ClientSideCacheSize > 0 {
		if err := enableClientSideCache(ctx, c, opts); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

func network(addr string) string {
	if len(addr) > 0 && addr[0] == '/' {
		return "unix"
	}
	return "tcp"
}

func readScratchSize(opts *Options) int {
	if opts.StreamReadLen > 0 {
		return opts.StreamReadLen
	}
	return 4096
}

// negotiate runs HELLO 3 when RESP3 was requested, falling back to
// RESP2 + separate AUTH/CLIENT SETNAME on HELLO rejection.
func (c *Conn) negotiate(ctx context.Context, opts *Options) error {
	helloOK := false
	if opts.Protocol == ProtoRESP3 {
		hello := NewCommand("HELLO", "3")
		if opts.Auth != "" {
			hello = hello.WithArg([]byte("AUTH")).WithArg([]byte("default")).WithArg([]byte(opts.Auth))
		}
		if opts.ClientName != "" {
			hello = hello.WithArg([]byte("SETNAME")).WithArg([]byte(opts.ClientName))
		}
		reply, err := c.runBootstrap(ctx, hello)
		if err == nil && !reply.IsError() {
			c.mu.Lock()
			c.proto = resp3
			c.dec.proto = resp3
			c.mu.Unlock()
			helloOK = true
		}
		// On rejection, fall through to the RESP2 bootstrap below.
	}

	if !helloOK && opts.Auth != "" {
		if _, err := c.runBootstrap(ctx, NewCommand("AUTH", opts.Auth)); err != nil {
			return err
		}
	}
	if !helloOK && opts.ClientName != "" {
		if _, err := c.runBootstrap(ctx, NewCommand("CLIENT", "SETNAME", opts.ClientName)); err != nil {
			return err
		}
	}
	if opts.Database != 0 {
		if _, err := c.runBootstrap(ctx, NewCommand("SELECT").WithInt(int64(opts.Database))); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) runBootstrap(ctx context.Context, cmd Command) (Reply, error) {
	<-c.room // handed back by resolvePending when the reply arrives
	pr := c.newPending(cmd)
	if err := c.send(cmd, pr); err != nil {
		return Reply{}, err
	}
	return Future{pr: pr}.WaitContext(ctx)
}

func (c *Conn) newPending(cmd Command) *pendingRequest {
	return &pendingRequest{keyword: cmd.Keyword(), result: make(chan result, 1), issuedAt: time.Now()}
}

// Execute sends cmd and returns a Future for its reply. Under RESP2,
// a Subscribed connection rejects any command outside the fixed
// pubSubAllowed set with KindPubSubMode, never touching the wire.
// RESP3 connections may issue any command while subscribed, since
// push frames demultiplex independently of the reply stream.
func (c *Conn) Execute(ctx context.Context, cmd Command) (Future, error) {
	c.mu.Lock()
	state := c.state
	proto := c.proto
	inMulti := c.inMulti
	c.mu.Unlock()

	if state == StateClosing || state == StateDisconnected {
		return Future{}, ErrClosed
	}
	if state == StateSubscribed && proto == resp2 && !pubSubAllowed[cmd.Keyword()] {
		return Future{}, ErrPubSubMode
	}

	// Pipeline-depth backpressure: bypassed for MULTI-window commands,
	// whose room token was already acquired at MULTI and is held for
	// the whole transaction.
	if !inMulti {
		select {
		case <-c.room:
		case <-ctx.Done():
			return Future{}, ctx.Err()
		}
	}

	pr := c.newPending(cmd)
	if err := c.dispatch(cmd, pr); err != nil {
		if !inMulti {
			c.room <- struct{}{}
		}
		return Future{}, err
	}
	return Future{pr: pr}, nil
}

// dispatch writes cmd to the wire and enqueues pr onto the pending
// FIFO so its reply resolves positionally, in wire order. Before the
// connection reaches StateReady, commands are buffered in preReady
// and flushed once negotiation completes.
func (c *Conn) dispatch(cmd Command, pr *pendingRequest) error {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.preReady = append(c.preReady, pendingCommand{cmd: cmd, pr: pr})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.send(cmd, pr)
}

// send enqueues pr onto the pending FIFO and writes cmd to the wire
// whatever the state; negotiate's handshake commands go through it
// directly so they are not held back in preReady.
func (c *Conn) send(cmd Command, pr *pendingRequest) error {
	c.mu.Lock()
	c.pending = append(c.pending, pr)
	depth := len(c.pending)
	c.mu.Unlock()
	c.metrics.setPipelineDepth(depth)

	c.writeMu.Lock()
	c.scratch = encodeCommand(c.scratch[:0], cmd)
	_, err := c.netConn.Write(c.scratch)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(newError(KindIO, err))
		return newError(KindIO, err)
	}
	return nil
}

// readLoop is the connection's single reader goroutine: it grows the
// decode buffer from the wire, feeds it to dec, and routes every
// complete reply it yields.
func (c *Conn) readLoop() {
	buf := make([]byte, readScratchSize(c.opts))
	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.dec.Feed(buf[:n])
			c.mu.Unlock()
			c.drain()
		}
		if err != nil {
			c.fail(newError(KindIO, err))
			return
		}
	}
}

// beginMulti/endMulti let transaction.go mark the connection as inside
// a MULTI window: Execute skips the per-command pipeline-depth
// acquisition for its duration: beginMulti takes one room token for
// the whole transaction, MULTI included, and endMulti returns it.
func (c *Conn) beginMulti() {
	<-c.room
	c.mu.Lock()
	c.inMulti = true
	c.mu.Unlock()
}

func (c *Conn) endMulti() {
	c.mu.Lock()
	c.inMulti = false
	c.mu.Unlock()
	c.room <- struct{}{}
}

// setSubscribed adjusts the active-subscription counter and flips
// state between Ready and Subscribed as it crosses zero.
func (c *Conn) setSubscribed(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subCount += delta
	switch {
	case c.subCount > 0 && c.state == StateReady:
		c.state = StateSubscribed
	case c.subCount <= 0 && c.state == StateSubscribed:
		c.subCount = 0
		c.state = StateReady
	}
}

// State reports the connection's current state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) drain() {
	for {
		c.mu.Lock()
		reply, ok, err := c.dec.Next()
		c.mu.Unlock()
		if err != nil {
			c.logger.Warnf("redis: protocol error from %s: %s", c.addr, err)
			c.fail(err)
			return
		}
		if !ok {
			return
		}
		c.route(reply)
	}
}

func (c *Conn) route(reply Reply) {
	if reply.Type == TypePush {
		if isInvalidatePush(reply) {
			if c.cache != nil {
				c.cache.onInvalidate(reply)
			}
			return
		}
		c.subs.dispatch(reply.PushVal)
		return
	}

	// Under RESP2 a (p)(un)subscribe confirmation arrives as an
	// in-band array that is, positionally, the literal reply to the
	// command that triggered it — it must still pop the pending FIFO
	// slot and free a pipeline-depth token, in addition to updating
	// the subscription registry. A "message"/"pmessage" array, by
	// contrast, is unsolicited and never owns a pending slot.
	if isPubSubAck(reply) {
		c.resolvePending(reply)
		c.subs.dispatch(reply.Array)
		return
	}
	if isPubSubMessage(reply) {
		c.subs.dispatch(reply.Array)
		return
	}

	c.resolvePending(reply)
}

// resolvePending pops the oldest pending request and resolves it with
// reply, preserving wire order as reply order.
func (c *Conn) resolvePending(reply Reply) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		c.logger.Warnf("redis: unsolicited reply with no pending request, dropping")
		return
	}
	pr := c.pending[0]
	c.pending = c.pending[1:]
	depth := len(c.pending)
	inMulti := c.inMulti
	c.mu.Unlock()
	c.metrics.setPipelineDepth(depth)

	if !inMulti {
		c.room <- struct{}{}
	}

	var res result
	if reply.IsError() {
		res = result{reply: reply, err: reply.AsError().AsRedisError()}
	} else {
		res = result{reply: reply}
	}
	pr.result <- res
}

func isInvalidatePush(reply Reply) bool {
	if len(reply.PushVal) == 0 {
		return false
	}
	first := reply.PushVal[0]
	return first.Type == TypeBulkString && string(first.Bulk) == "invalidate"
}

var pubsubAckHeads = map[string]bool{
	"subscribe":    true,
	"psubscribe":   true,
	"unsubscribe":  true,
	"punsubscribe": true,
}

var pubsubMessageHeads = map[string]bool{
	"message":  true,
	"pmessage": true,
}

func isPubSubAck(reply Reply) bool {
	return isPubSubArrayWithHead(reply, pubsubAckHeads)
}

func isPubSubMessage(reply Reply) bool {
	return isPubSubArrayWithHead(reply, pubsubMessageHeads)
}

func isPubSubArrayWithHead(reply Reply, heads map[string]bool) bool {
	if reply.Type != TypeArray || len(reply.Array) < 3 || len(reply.Array) > 4 {
		return false
	}
	first := reply.Array[0]
	if first.Type != TypeBulkString {
		return false
	}
	return heads[string(first.Bulk)]
}

// fail tears the connection down: every pending promise fails with
// KindDisconnected, every subscription sink completes, and
// OnDisconnect fires.
func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debugf("redis: disconnected from %s: %s", c.addr, err)
		c.mu.Lock()
		c.state = StateClosing
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, pr := range pending {
			pr.result <- result{err: errConnLost}
		}
		c.subs.closeAll()
		close(c.closed)

		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		c.netConn.Close()
		if c.secondary != nil {
			c.secondary.Close()
		}
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(err)
		}
	})
}

// Close shuts the connection down from the caller's side. No
// automatic reconnect is attempted for single-node mode.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}
