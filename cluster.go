package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Node is cluster Node: a primary endpoint, its
// replicas, the slot range it owns, and a lazily-built, memoized
// connection handle.
type Node struct {
	ID       string // canonical "host:port" of the primary, used as the map key
	Primary  string
	Replicas []string
	Start    int
	End      int

	mu   sync.Mutex
	conn *Conn
}

// Conn returns the node's memoized primary connection, dialing it on
// first use.
func (n *Node) Conn(ctx context.Context, opts *Options) (*Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil && n.conn.State() != StateDisconnected && n.conn.State() != StateClosing {
		return n.conn, nil
	}
	conn, err := DialConn(ctx, n.Primary, opts)
	if err != nil {
		return nil, err
	}
	n.conn = conn
	return conn, nil
}

// Cluster is the router C7: a hash-slot ownership table, a per-node
// connection pool, MOVED/ASK redirect recovery, and cross-node
// fan-out for transactions, subscriptions, and client-name
// propagation.
type Cluster struct {
	opts    *Options
	metrics *metrics
	logger  Logger

	mu        sync.RWMutex
	slotTable [MaxSlots]*Node
	nodes     map[string]*Node // keyed by canonical "host:port"
	sorted    []*Node          // sorted by Start, for the binary-search fallback

	txGate chan struct{} // cluster MULTI is serialized globally per client

	maxRetries int
}

const defaultClusterMaxRetries = 5

// NewCluster bootstraps from a seed endpoint: connect, issue CLUSTER
// SLOTS, parse into a node list sorted by slot start, build the slot
// table, then discard the seed connection.
func NewCluster(ctx context.Context, seedAddr string, opts *Options) (*Cluster, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := &Cluster{
		opts:       opts,
		metrics:    opts.sharedMetrics(),
		logger:     opts.Logger,
		nodes:      make(map[string]*Node),
		txGate:     make(chan struct{}, 1),
		maxRetries: defaultClusterMaxRetries,
	}
	c.txGate <- struct{}{}
	if err := c.bootstrapFrom(ctx, seedAddr); err != nil {
		return nil, err
	}
	return c, nil
}

// bootstrapFrom dials addr, issues CLUSTER SLOTS, and installs the
// resulting node list; the seed connection is discarded afterward.
func (c *Cluster) bootstrapFrom(ctx context.Context, addr string) error {
	conn, err := DialConn(ctx, addr, c.opts)
	if err != nil {
		return err
	}
	defer conn.Close()
	fut, err := conn.Execute(ctx, NewCommand("CLUSTER", "SLOTS"))
	if err != nil {
		return err
	}
	reply, err := fut.WaitContext(ctx)
	if err != nil {
		return err
	}

	nodes, err := parseClusterSlots(reply)
	if err != nil {
		return err
	}
	c.installNodes(nodes)
	return nil
}

func (c *Cluster) installNodes(nodes []*Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range nodes {
		c.nodes[n.ID] = n
		for slot := n.Start; slot <= n.End; slot++ {
			c.slotTable[slot] = n
		}
	}
	c.sorted = sortedNodes(c.nodes)
}

func sortedNodes(nodes map[string]*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Start > out[j].Start; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// parseClusterSlots parses the CLUSTER SLOTS reply shape: an array of
// [start, end, [masterIP, masterPort, ...], [replicaIP, replicaPort, ...]...].
func parseClusterSlots(reply Reply) ([]*Node, error) {
	if reply.Type != TypeArray {
		return nil, newError(KindProtocol, errClusterSlotsShape)
	}
	nodes := make([]*Node, 0, len(reply.Array))
	for _, entry := range reply.Array {
		if entry.Type != TypeArray || len(entry.Array) < 3 {
			return nil, newError(KindProtocol, errClusterSlotsShape)
		}
		start := int(entry.Array[0].Int)
		end := int(entry.Array[1].Int)
		master := entry.Array[2]
		if master.Type != TypeArray || len(master.Array) < 2 {
			return nil, newError(KindProtocol, errClusterSlotsShape)
		}
		host := string(bulkOf(master.Array[0]))
		port := strconv.FormatInt(master.Array[1].Int, 10)
		n := &Node{ID: host + ":" + port, Primary: host + ":" + port, Start: start, End: end}
		for _, rep := range entry.Array[3:] {
			if rep.Type != TypeArray || len(rep.Array) < 2 {
				continue
			}
			rhost := string(bulkOf(rep.Array[0]))
			rport := strconv.FormatInt(rep.Array[1].Int, 10)
			n.Replicas = append(n.Replicas, rhost+":"+rport)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

type clusterSlotsShapeError struct{}

func (clusterSlotsShapeError) Error() string { return "redis: unexpected CLUSTER SLOTS reply shape" }

var errClusterSlotsShape = clusterSlotsShapeError{}

// nodeForSlot consults the flat slot-table cache first, falling back
// to a binary search over the sorted node list and memoizing the
// result.
func (c *Cluster) nodeForSlot(slot int) *Node {
	c.mu.RLock()
	n := c.slotTable[slot]
	c.mu.RUnlock()
	if n != nil {
		return n
	}

	c.mu.RLock()
	sorted := c.sorted
	c.mu.RUnlock()

	lo, hi := 0, len(sorted)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case slot < sorted[mid].Start:
			hi = mid - 1
		case slot > sorted[mid].End:
			lo = mid + 1
		default:
			c.mu.Lock()
			c.slotTable[slot] = sorted[mid]
			c.mu.Unlock()
			return sorted[mid]
		}
	}
	return nil
}

func (c *Cluster) Execute(ctx context.Context, cmd Command) (Reply, error) {
	return c.execute(ctx, cmd, 0)
}

func (c *Cluster) execute(ctx context.Context, cmd Command, retries int) (Reply, error) {
	node, err := c.routeNode(cmd)
	if err != nil {
		return Reply{}, err
	}

	conn, err := node.Conn(ctx, c.opts)
	if err != nil {
		return Reply{}, err
	}

	fut, err := conn.Execute(ctx, cmd)
	if err != nil {
		return Reply{}, err
	}
	reply, err := fut.WaitContext(ctx)
	if err == nil {
		return reply, nil
	}

	serr, isServerErr := extractServerError(err)
	if !isServerErr {
		return Reply{}, err
	}

	switch serr.Prefix() {
	case "MOVED":
		if retries > 0 {
			return Reply{}, ErrTooManyRedirects
		}
		target, err := c.handleMoved(ctx, serr)
		if err != nil {
			return Reply{}, err
		}
		c.logger.Debugf("redis: %s, retrying on %s", string(serr), target.Primary)
		c.metrics.incRedirect()
		return c.executeOn(ctx, target, cmd)
	case "ASK":
		target, err := c.handleAsk(serr)
		if err != nil {
			return Reply{}, err
		}
		c.metrics.incRedirect()
		return c.executeAsking(ctx, target, cmd)
	case "TRYAGAIN":
		if retries >= c.maxRetries {
			return Reply{}, err
		}
		time.Sleep(tryAgainBackoff(retries))
		return c.execute(ctx, cmd, retries+1)
	default:
		return Reply{}, err
	}
}

func (c *Cluster) executeOn(ctx context.Context, node *Node, cmd Command) (Reply, error) {
	conn, err := node.Conn(ctx, c.opts)
	if err != nil {
		return Reply{}, err
	}
	fut, err := conn.Execute(ctx, cmd)
	if err != nil {
		return Reply{}, err
	}
	reply, err := fut.WaitContext(ctx)
	if err != nil {
		if serr, ok := extractServerError(err); ok && serr.Prefix() == "MOVED" {
			return Reply{}, ErrTooManyRedirects
		}
		return Reply{}, err
	}
	return reply, nil
}

// executeAsking sends ASKING followed by cmd on a one-shot basis,
// without mutating the slot table.
func (c *Cluster) executeAsking(ctx context.Context, node *Node, cmd Command) (Reply, error) {
	conn, err := node.Conn(ctx, c.opts)
	if err != nil {
		return Reply{}, err
	}
	askingFut, err := conn.Execute(ctx, NewCommand("ASKING"))
	if err != nil {
		return Reply{}, err
	}
	if _, err := askingFut.WaitContext(ctx); err != nil {
		return Reply{}, err
	}
	fut, err := conn.Execute(ctx, cmd)
	if err != nil {
		return Reply{}, err
	}
	return fut.WaitContext(ctx)
}

func tryAgainBackoff(attempt int) time.Duration {
	d := 10 * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	if d > 200*time.Millisecond {
		d = 200 * time.Millisecond
	}
	return d
}

func extractServerError(err error) (ServerError, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	if e.Kind != KindServer {
		return "", false
	}
	return ServerError(e.Line), true
}

func (c *Cluster) routeNode(cmd Command) (*Node, error) {
	key, ok := extractKey(cmd)
	if !ok {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if len(c.sorted) == 0 {
			return nil, ErrClusterNoNode
		}
		return c.sorted[0], nil
	}
	slot := Slot(key)
	node := c.nodeForSlot(slot)
	if node == nil {
		return nil, ErrClusterNoNode
	}
	return node, nil
}

// handleMoved parses "MOVED <slot> <host>:<port>", adopts the target
// node (creating it if unknown via a CLUSTER SLOTS fan-out), and
// updates the slot table.
func (c *Cluster) handleMoved(ctx context.Context, serr ServerError) (*Node, error) {
	slot, addr, err := parseRedirect(serr)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	node, ok := c.nodes[addr]
	c.mu.RUnlock()
	if !ok {
		// Best-effort: a refresh failure (e.g. every known node is down)
		// must not block adopting the redirect target below.
		c.refreshFromAnyNode(ctx)
		c.mu.RLock()
		node, ok = c.nodes[addr]
		c.mu.RUnlock()
		if !ok {
			node = &Node{ID: addr, Primary: addr, Start: slot, End: slot}
			c.mu.Lock()
			c.nodes[addr] = node
			c.sorted = sortedNodes(c.nodes)
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.slotTable[slot] = node
	c.mu.Unlock()
	return node, nil
}

func (c *Cluster) handleAsk(serr ServerError) (*Node, error) {
	_, addr, err := parseRedirect(serr)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	node, ok := c.nodes[addr]
	c.mu.RUnlock()
	if ok {
		return node, nil
	}
	return &Node{ID: addr, Primary: addr}, nil
}

func parseRedirect(serr ServerError) (slot int, addr string, err error) {
	fields := strings.Fields(string(serr))
	if len(fields) != 3 {
		return 0, "", newError(KindProtocol, errRedirectShape)
	}
	slot, convErr := strconv.Atoi(fields[1])
	if convErr != nil {
		return 0, "", newError(KindProtocol, errRedirectShape)
	}
	return slot, fields[2], nil
}

type redirectShapeError struct{}

func (redirectShapeError) Error() string { return "redis: malformed MOVED/ASK redirect line" }

var errRedirectShape = redirectShapeError{}

// refreshFromAnyNode fans CLUSTER SLOTS out to every known node
// concurrently and adopts the first successful response.
func (c *Cluster) refreshFromAnyNode(ctx context.Context) error {
	c.mu.RLock()
	nodes := append([]*Node(nil), c.sorted...)
	c.mu.RUnlock()

	type winner struct {
		nodes []*Node
	}
	resultCh := make(chan winner, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			conn, err := n.Conn(gctx, c.opts)
			if err != nil {
				return nil // best-effort: one failing node shouldn't fail the refresh
			}
			fut, err := conn.Execute(gctx, NewCommand("CLUSTER", "SLOTS"))
			if err != nil {
				return nil
			}
			reply, err := fut.WaitContext(gctx)
			if err != nil {
				return nil
			}
			parsed, err := parseClusterSlots(reply)
			if err != nil {
				return nil
			}
			select {
			case resultCh <- winner{nodes: parsed}:
			default:
			}
			return nil
		})
	}
	g.Wait()
	select {
	case w := <-resultCh:
		c.installNodes(w.nodes)
		return nil
	default:
		return ErrClusterNoNode
	}
}

var (
	keyForSlotOnce sync.Once
	keyForSlotData [MaxSlots][]byte
)

// keyForSlotTable builds (once) and returns the singleton table
// mapping every slot to a precomputed representative key.
func keyForSlotTable() *[MaxSlots][]byte {
	keyForSlotOnce.Do(buildKeyForSlotTable)
	return &keyForSlotData
}

func buildKeyForSlotTable() {
	found := 0
	for i := 0; found < MaxSlots; i++ {
		candidate := []byte("{slot-rep-" + strconv.Itoa(i) + "}")
		s := Slot(candidate)
		if keyForSlotData[s] == nil {
			keyForSlotData[s] = candidate
			found++
		}
	}
}

// KeyForSlot returns a precomputed key whose hash maps to slot,
// letting callers force placement via the "{slot-rep}suffix" hashtag
// syntax.
func KeyForSlot(slot int) []byte {
	return keyForSlotTable()[slot]
}

func newErrorFuture(err error) Future {
	slot := &pendingRequest{result: make(chan result, 1)}
	slot.result <- result{err: err}
	return Future{pr: slot}
}

// perNodeTx is the MULTI window ClusterMulti opens on one node,
// created lazily the first time a queued command routes there.
type perNodeTx struct {
	conn *Conn
	tx   *Tx
}

// ClusterTx is the per-transaction handle ClusterMulti's body uses to
// queue commands; each command is routed to the node owning its key
// and queued on that node's own MULTI window, opened on first use.
type ClusterTx struct {
	cluster *Cluster
	ctx     context.Context

	mu      sync.Mutex
	perNode map[string]*perNodeTx
	err     error
}

// Exec routes cmd to the node owning its key and queues it on that
// node's MULTI window, returning a Future resolved once that node's
// EXEC completes.
func (t *ClusterTx) Exec(cmd Command) Future {
	node, err := t.cluster.routeNode(cmd)
	if err != nil {
		t.mu.Lock()
		if t.err == nil {
			t.err = err
		}
		t.mu.Unlock()
		return newErrorFuture(err)
	}

	pt, err := t.perNodeTxFor(node)
	if err != nil {
		t.mu.Lock()
		if t.err == nil {
			t.err = err
		}
		t.mu.Unlock()
		return newErrorFuture(err)
	}
	return pt.tx.Exec(cmd)
}

func (t *ClusterTx) perNodeTxFor(node *Node) (*perNodeTx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pt, ok := t.perNode[node.ID]; ok {
		return pt, nil
	}
	conn, err := node.Conn(t.ctx, t.cluster.opts)
	if err != nil {
		return nil, err
	}
	// Mirrors txCoordinator.run: mark the node connection as inside a
	// MULTI window before issuing MULTI itself, so pipeline-depth
	// backpressure doesn't gate any command queued on it — the window
	// stays open until ClusterMulti EXECs or DISCARDs this node.
	conn.beginMulti()
	multiFut, err := conn.Execute(t.ctx, NewCommand("MULTI"))
	if err != nil {
		conn.endMulti()
		return nil, err
	}
	if _, err := multiFut.WaitContext(t.ctx); err != nil {
		conn.endMulti()
		return nil, err
	}
	pt := &perNodeTx{conn: conn, tx: &Tx{conn: conn, ctx: t.ctx}}
	t.perNode[node.ID] = pt
	return pt, nil
}

// ClusterMulti opens a MULTI window on every node body's commands
// touch, lazily per node, then EXECs all of them concurrently.
// Success requires every node's EXEC to succeed; otherwise ClusterMulti
// returns the first error. Each node's Futures resolve from that
// node's own EXEC reply, so a node whose EXEC succeeded keeps its
// commit and its Futures carry its results even when another node's
// EXEC fails; nothing is rolled back or DISCARDed once EXEC is sent.
func (c *Cluster) ClusterMulti(ctx context.Context, body func(tx *ClusterTx) error) error {
	select {
	case <-c.txGate:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { c.txGate <- struct{}{} }()

	tx := &ClusterTx{cluster: c, ctx: ctx, perNode: make(map[string]*perNodeTx)}
	bodyErr := body(tx)

	tx.mu.Lock()
	perNode := make([]*perNodeTx, 0, len(tx.perNode))
	for _, pt := range tx.perNode {
		perNode = append(perNode, pt)
	}
	txErr := tx.err
	tx.mu.Unlock()

	// Join every per-node Tx's QUEUED-ack watchers before deciding
	// EXEC vs DISCARD, same as txCoordinator.run does for a single
	// connection: a command rejected by one node must abort every
	// other node's MULTI window too.
	for _, pt := range perNode {
		if err := pt.tx.drain(); err != nil && txErr == nil {
			txErr = err
		}
	}

	if bodyErr != nil || txErr != nil {
		for _, pt := range perNode {
			discardFut, err := pt.conn.Execute(ctx, NewCommand("DISCARD"))
			if err == nil {
				discardFut.WaitContext(ctx)
			}
			pt.conn.endMulti()
			failSlots(pt.tx.slots, ErrAborted)
		}
		if bodyErr != nil {
			return bodyErr
		}
		return txErr
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pt := range perNode {
		pt := pt
		g.Go(func() error {
			defer pt.conn.endMulti()
			fut, err := pt.conn.Execute(gctx, NewCommand("EXEC"))
			if err != nil {
				failSlots(pt.tx.slots, err)
				return err
			}
			reply, err := fut.WaitContext(gctx)
			if err != nil {
				failSlots(pt.tx.slots, err)
				return err
			}
			if reply.IsNull || reply.Type != TypeArray {
				failSlots(pt.tx.slots, ErrAborted)
				return ErrAborted
			}
			if len(reply.Array) != len(pt.tx.slots) {
				err := newError(KindProtocol, errExecArityMismatch)
				failSlots(pt.tx.slots, err)
				return err
			}
			for i, slot := range pt.tx.slots {
				item := reply.Array[i]
				if item.IsError() {
					slot.result <- result{reply: item, err: item.AsError().AsRedisError()}
				} else {
					slot.result <- result{reply: item}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// ClientSetName propagates CLIENT SETNAME to every primary node
// concurrently; a failure on one node is logged and does not fail the
// others.
func (c *Cluster) ClientSetName(ctx context.Context, name string) {
	c.mu.RLock()
	nodes := append([]*Node(nil), c.sorted...)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := n.Conn(ctx, c.opts)
			if err != nil {
				c.logger.Warnf("redis: client setname on %s failed: %s", n.Primary, err)
				return
			}
			fut, err := conn.Execute(ctx, NewCommand("CLIENT", "SETNAME", name))
			if err != nil {
				return
			}
			fut.WaitContext(ctx)
		}()
	}
	wg.Wait()
}

// WatchKeyspace psubscribes on every primary and merges the resulting
// message streams into one composite channel.
func (c *Cluster) WatchKeyspace(ctx context.Context, pattern string) (<-chan Message, error) {
	c.mu.RLock()
	nodes := append([]*Node(nil), c.sorted...)
	c.mu.RUnlock()

	merged := make(chan Message, 256)
	var wg sync.WaitGroup
	for _, n := range nodes {
		conn, err := n.Conn(ctx, c.opts)
		if err != nil {
			return nil, err
		}
		sub, err := conn.subs.Subscribe(ctx, pattern, KindPattern)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			for msg := range sub.Messages() {
				select {
				case merged <- msg:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged, nil
}
