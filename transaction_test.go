package redis

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
)

// scriptedServer accepts one connection and, for each element of
// replies, reads one client command (content ignored) and writes the
// corresponding canned reply, in order.
func scriptedServer(ln net.Listener, replies []string) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	for _, reply := range replies {
		if _, err := readCommand(r); err != nil {
			return
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

// TestTransactionPositionalResolve confirms a Tx.Exec Future resolves
// from the matching slot of EXEC's reply array, not from the QUEUED
// reply the wire sends immediately.
func TestTransactionPositionalResolve(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()
	go scriptedServer(ln, []string{
		"+OK\r\n",      // MULTI
		"+QUEUED\r\n",  // SET a 1
		"+QUEUED\r\n",  // INCR b
		"*2\r\n+OK\r\n:2\r\n", // EXEC
	})

	c, err := DialConn(context.Background(), ln.Addr().String(), &Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	var f1, f2 Future
	err = c.Multi(context.Background(), func(tx *Tx) error {
		f1 = tx.Exec(NewCommand("SET", "a", "1"))
		f2 = tx.Exec(NewCommand("INCR", "b"))
		return nil
	})
	if err != nil {
		t.Fatalf("multi: %v", err)
	}

	r1, err := f1.Wait()
	if err != nil || r1.Type != TypeSimpleString {
		t.Errorf("f1 = %+v, %v, want a SimpleString", r1, err)
	}
	r2, err := f2.Wait()
	if err != nil || r2.Int != 2 {
		t.Errorf("f2 = %+v, %v, want Integer 2", r2, err)
	}
}

// TestTransactionBodyErrorDiscards confirms an error returned from
// the MULTI body sends DISCARD instead of EXEC and Multi surfaces
// that same error.
func TestTransactionBodyErrorDiscards(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()
	go scriptedServer(ln, []string{
		"+OK\r\n", // MULTI
		"+OK\r\n", // DISCARD
	})

	c, err := DialConn(context.Background(), ln.Addr().String(), &Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	wantErr := errors.New("body failed")
	err = c.Multi(context.Background(), func(tx *Tx) error {
		return wantErr
	})
	if err != wantErr {
		t.Errorf("multi = %v, want %v", err, wantErr)
	}
}

// TestTransactionWatchAbort confirms EXEC replying with a null array
// means a WATCHed key changed, aborting the transaction and every
// queued slot with ErrAborted.
func TestTransactionWatchAbort(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()
	go scriptedServer(ln, []string{
		"+OK\r\n",     // MULTI
		"+QUEUED\r\n", // GET a
		"*-1\r\n",     // EXEC aborted
	})

	c, err := DialConn(context.Background(), ln.Addr().String(), &Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	var f Future
	err = c.Multi(context.Background(), func(tx *Tx) error {
		f = tx.Exec(NewCommand("GET", "a"))
		return nil
	})
	if err != ErrAborted {
		t.Errorf("multi = %v, want ErrAborted", err)
	}
	if _, ferr := f.Wait(); ferr != ErrAborted {
		t.Errorf("slot = %v, want ErrAborted", ferr)
	}
}

// TestTransactionSerializedPerConnection confirms a second MULTI on
// the same connection waits for the first to finish rather than
// interleaving its commands into the first's window.
func TestTransactionSerializedPerConnection(t *testing.T) {
	ln := mustListen(t)
	defer ln.Close()
	go scriptedServer(ln, []string{
		"+OK\r\n", "+QUEUED\r\n", "*1\r\n+OK\r\n", // first MULTI/SET/EXEC
		"+OK\r\n", "+QUEUED\r\n", "*1\r\n+OK\r\n", // second MULTI/SET/EXEC
	})

	c, err := DialConn(context.Background(), ln.Addr().String(), &Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- c.Multi(context.Background(), func(tx *Tx) error {
				tx.Exec(NewCommand("SET", "k", "v"))
				return nil
			})
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Errorf("multi %d: %v", i, err)
		}
	}
}
