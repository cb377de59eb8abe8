package redis

import (
	"context"
	"sync"
)

// Tx is the per-transaction handle a MULTI body uses to queue
// commands; its slot promises resolve positionally once EXEC/DISCARD
// completes.
type Tx struct {
	conn  *Conn
	ctx   context.Context
	slots []*pendingRequest // one per body command, resolved positionally from the EXEC array

	mu  sync.Mutex
	wg  sync.WaitGroup // one per in-flight QUEUED-ack watcher, joined by drain
	err error          // first body-command dispatch/QUEUED-ack error, forces DISCARD
}

// Exec sends a single command inside the open MULTI window. Its
// Future resolves only once the surrounding transaction's EXEC/DISCARD
// completes.
func (t *Tx) Exec(cmd Command) Future {
	slot := &pendingRequest{keyword: cmd.Keyword(), result: make(chan result, 1)}
	t.slots = append(t.slots, slot)

	t.mu.Lock()
	already := t.err != nil
	t.mu.Unlock()
	if already {
		return Future{pr: slot}
	}

	fut, err := t.conn.Execute(t.ctx, cmd)
	if err != nil {
		t.mu.Lock()
		if t.err == nil {
			t.err = err
		}
		t.mu.Unlock()
		return Future{pr: slot}
	}
	// The server replies QUEUED for each body command in order; we
	// must observe that reply (so the connection's FIFO stays
	// consistent) before EXEC, but its value is discarded — Tx.Exec's
	// own Future resolves later, from the EXEC array. drain joins this
	// watcher before the coordinator decides EXEC vs DISCARD, so a
	// command the server rejects (an error instead of QUEUED) is never
	// missed.
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		_, err := fut.Wait()
		if err != nil {
			t.mu.Lock()
			if t.err == nil {
				t.err = err
			}
			t.mu.Unlock()
		}
	}()
	return Future{pr: slot}
}

// drain blocks until every QUEUED-ack watcher spawned by Exec has
// completed, then returns the first error any of them (or a failed
// dispatch) observed.
func (t *Tx) drain() error {
	t.wg.Wait()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// txCoordinator serializes MULTI transactions on one connection: a
// new MULTI must wait for every predecessor to resolve before it may
// begin, preserving user-visible ordering.
type txCoordinator struct {
	conn *Conn
	ch   chan struct{} // 1-buffered mutex token; doubles as the pending-tx FIFO gate
}

func newTxCoordinator(c *Conn) *txCoordinator {
	tc := &txCoordinator{conn: c, ch: make(chan struct{}, 1)}
	tc.ch <- struct{}{}
	return tc
}

// Multi runs body inside a MULTI/EXEC window. body issues its
// commands via the supplied Tx; any error returned by body triggers
// DISCARD instead of EXEC. A WATCH abort (EXEC replying with a null
// array) fails every slot with ErrAborted.
func (c *Conn) Multi(ctx context.Context, body func(tx *Tx) error) error {
	c.mu.Lock()
	if c.multi == nil {
		c.multi = newTxCoordinator(c)
	}
	tc := c.multi
	c.mu.Unlock()
	return tc.run(ctx, body)
}

func (tc *txCoordinator) run(ctx context.Context, body func(tx *Tx) error) error {
	select {
	case <-tc.ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { tc.ch <- struct{}{} }()

	c := tc.conn
	c.beginMulti()
	defer c.endMulti()

	multiFut, err := c.Execute(ctx, NewCommand("MULTI"))
	if err != nil {
		return err
	}
	if _, err := multiFut.WaitContext(ctx); err != nil {
		return err
	}

	tx := &Tx{conn: c, ctx: ctx}
	bodyErr := body(tx)
	txErr := tx.drain()

	if bodyErr != nil || txErr != nil {
		discardFut, err := c.Execute(ctx, NewCommand("DISCARD"))
		if err == nil {
			discardFut.WaitContext(ctx)
		}
		failSlots(tx.slots, ErrAborted)
		if bodyErr != nil {
			return bodyErr
		}
		return txErr
	}

	execFut, err := c.Execute(ctx, NewCommand("EXEC"))
	if err != nil {
		failSlots(tx.slots, err)
		return err
	}
	reply, err := execFut.WaitContext(ctx)
	if err != nil {
		failSlots(tx.slots, err)
		return err
	}
	if reply.IsNull || reply.Type != TypeArray {
		// EXEC returned nil: a WATCHed key changed.
		failSlots(tx.slots, ErrAborted)
		return ErrAborted
	}
	if len(reply.Array) != len(tx.slots) {
		err := newError(KindProtocol, errExecArityMismatch)
		failSlots(tx.slots, err)
		return err
	}
	for i, slot := range tx.slots {
		item := reply.Array[i]
		if item.IsError() {
			slot.result <- result{reply: item, err: item.AsError().AsRedisError()}
		} else {
			slot.result <- result{reply: item}
		}
	}
	return nil
}

func failSlots(slots []*pendingRequest, err error) {
	for _, slot := range slots {
		slot.result <- result{err: err}
	}
}

type execArityMismatchError struct{}

func (execArityMismatchError) Error() string { return "redis: EXEC array length doesn't match queued command count" }

var errExecArityMismatch = execArityMismatchError{}
