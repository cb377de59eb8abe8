package redis

import (
	"math"
	"testing"
)

func decodeOne(t *testing.T, proto protocolVersion, wire string) Reply {
	t.Helper()
	d := newDecoder(proto)
	d.Feed([]byte(wire))
	reply, ok, err := d.Next()
	if err != nil {
		t.Fatalf("decode %q: %v", wire, err)
	}
	if !ok {
		t.Fatalf("decode %q: incomplete, want a full frame", wire)
	}
	return reply
}

func TestDecodeSimpleString(t *testing.T) {
	r := decodeOne(t, resp2, "+OK\r\n")
	if r.Type != TypeSimpleString || string(r.Str) != "OK" {
		t.Errorf("got %+v, want SimpleString \"OK\"", r)
	}
}

func TestDecodeError(t *testing.T) {
	r := decodeOne(t, resp2, "-WRONGTYPE bad type\r\n")
	if !r.IsError() {
		t.Fatalf("got %+v, want an error reply", r)
	}
	if got := string(r.AsError()); got != "WRONGTYPE bad type" {
		t.Errorf("AsError() = %q, want \"WRONGTYPE bad type\"", got)
	}
}

func TestDecodeInteger(t *testing.T) {
	r := decodeOne(t, resp2, ":1000\r\n")
	if r.Type != TypeInteger || r.Int != 1000 {
		t.Errorf("got %+v, want Integer 1000", r)
	}
	r = decodeOne(t, resp2, ":-1\r\n")
	if r.Int != -1 {
		t.Errorf("got %+v, want Integer -1", r)
	}
}

func TestDecodeBulkString(t *testing.T) {
	r := decodeOne(t, resp2, "$5\r\nhello\r\n")
	if r.Type != TypeBulkString || string(r.Bulk) != "hello" || r.IsNull {
		t.Errorf("got %+v, want BulkString \"hello\"", r)
	}
}

func TestDecodeBulkStringBinarySafe(t *testing.T) {
	wire := "$4\r\na\r\nb\r\n" // embedded CRLF inside the body must not terminate it early
	r := decodeOne(t, resp2, wire)
	if r.Type != TypeBulkString || string(r.Bulk) != "a\r\nb" {
		t.Errorf("got %+v, want BulkString %q", r, "a\r\nb")
	}
}

func TestDecodeNullBulkString(t *testing.T) {
	r := decodeOne(t, resp2, "$-1\r\n")
	if r.Type != TypeBulkString || !r.IsNull {
		t.Errorf("got %+v, want a null BulkString", r)
	}
}

func TestDecodeNullArray(t *testing.T) {
	r := decodeOne(t, resp2, "*-1\r\n")
	if r.Type != TypeArray || !r.IsNull {
		t.Errorf("got %+v, want a null Array", r)
	}
}

// TestDecodeNullDistinction confirms a null bulk string and a null
// array remain distinguishable after decode, not collapsed into one
// generic "nil" value.
func TestDecodeNullDistinction(t *testing.T) {
	bulk := decodeOne(t, resp2, "$-1\r\n")
	arr := decodeOne(t, resp2, "*-1\r\n")
	if bulk.Type == arr.Type {
		t.Errorf("null bulk string and null array decoded to the same Type %v", bulk.Type)
	}
}

func TestDecodeArray(t *testing.T) {
	r := decodeOne(t, resp2, "*2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	if r.Type != TypeArray || len(r.Array) != 2 {
		t.Fatalf("got %+v, want a 2-element Array", r)
	}
	if string(r.Array[0].Bulk) != "foo" || string(r.Array[1].Bulk) != "bar" {
		t.Errorf("got %+v, want [foo bar]", r.Array)
	}
}

func TestDecodeNestedArray(t *testing.T) {
	r := decodeOne(t, resp2, "*2\r\n*1\r\n:1\r\n$3\r\nfoo\r\n")
	if r.Type != TypeArray || len(r.Array) != 2 {
		t.Fatalf("got %+v", r)
	}
	inner := r.Array[0]
	if inner.Type != TypeArray || len(inner.Array) != 1 || inner.Array[0].Int != 1 {
		t.Errorf("got %+v, want nested [1]", inner)
	}
}

func TestDecodeRESP3Null(t *testing.T) {
	r := decodeOne(t, resp3, "_\r\n")
	if r.Type != TypeNull || !r.IsNull {
		t.Errorf("got %+v, want TypeNull", r)
	}
}

func TestDecodeRESP3Double(t *testing.T) {
	r := decodeOne(t, resp3, ",3.14\r\n")
	if r.Type != TypeDouble || r.Double != 3.14 {
		t.Errorf("got %+v, want Double 3.14", r)
	}
}

func TestDecodeRESP3DoubleInfinity(t *testing.T) {
	pos := decodeOne(t, resp3, ",inf\r\n")
	if !math.IsInf(pos.Double, 1) {
		t.Errorf("got %v, want +Inf", pos.Double)
	}
	neg := decodeOne(t, resp3, ",-inf\r\n")
	if !math.IsInf(neg.Double, -1) {
		t.Errorf("got %v, want -Inf", neg.Double)
	}
}

func TestDecodeRESP3Boolean(t *testing.T) {
	tr := decodeOne(t, resp3, "#t\r\n")
	if tr.Type != TypeBoolean || !tr.Bool {
		t.Errorf("got %+v, want true", tr)
	}
	fa := decodeOne(t, resp3, "#f\r\n")
	if fa.Type != TypeBoolean || fa.Bool {
		t.Errorf("got %+v, want false", fa)
	}
}

func TestDecodeRESP3BigNumber(t *testing.T) {
	r := decodeOne(t, resp3, "(3492890328409238509324850943850943825024385\r\n")
	if r.Type != TypeBigNumber || string(r.Str) != "3492890328409238509324850943850943825024385" {
		t.Errorf("got %+v", r)
	}
}

func TestDecodeRESP3VerbatimString(t *testing.T) {
	r := decodeOne(t, resp3, "=15\r\ntxt:Some string\r\n")
	if r.Type != TypeVerbatimString || string(r.Format[:]) != "txt" || string(r.Bulk) != "Some string" {
		t.Errorf("got %+v", r)
	}
}

func TestDecodeRESP3Map(t *testing.T) {
	r := decodeOne(t, resp3, "%2\r\n$3\r\nfoo\r\n:1\r\n$3\r\nbar\r\n:2\r\n")
	if r.Type != TypeMap || len(r.MapVal) != 2 {
		t.Fatalf("got %+v, want a 2-entry Map", r)
	}
	if string(r.MapVal[0].Key.Bulk) != "foo" || r.MapVal[0].Value.Int != 1 {
		t.Errorf("got %+v", r.MapVal[0])
	}
}

func TestDecodeRESP3Set(t *testing.T) {
	r := decodeOne(t, resp3, "~2\r\n:1\r\n:2\r\n")
	if r.Type != TypeSet || len(r.SetVal) != 2 {
		t.Fatalf("got %+v, want a 2-element Set", r)
	}
}

func TestDecodeRESP3Push(t *testing.T) {
	r := decodeOne(t, resp3, ">2\r\n$7\r\nmessage\r\n$2\r\nhi\r\n")
	if r.Type != TypePush || len(r.PushVal) != 2 {
		t.Fatalf("got %+v, want a 2-element Push", r)
	}
}

func TestDecodeRESP3Attribute(t *testing.T) {
	// An attribute frame decorates the reply that follows it; the
	// attribute map itself is skipped, not surfaced to the caller.
	r := decodeOne(t, resp3, "|1\r\n$7\r\nkey-exp\r\n:30\r\n$3\r\nfoo\r\n")
	if r.Type != TypeBulkString || string(r.Bulk) != "foo" {
		t.Errorf("got %+v, want the decorated BulkString \"foo\"", r)
	}
}

// TestDecodeStreamingAcrossFeeds pins incremental
// contract: a frame split across two Feed calls must not be
// misparsed, and Next must report incompleteness rather than erroring
// on the partial prefix.
func TestDecodeStreamingAcrossFeeds(t *testing.T) {
	d := newDecoder(resp2)
	d.Feed([]byte("$5\r\nhel"))
	if _, ok, err := d.Next(); ok || err != nil {
		t.Fatalf("partial frame: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
	d.Feed([]byte("lo\r\n"))
	reply, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("completed frame: ok=%v err=%v", ok, err)
	}
	if string(reply.Bulk) != "hello" {
		t.Errorf("got %q, want \"hello\"", reply.Bulk)
	}
}

func TestDecodeMultipleRepliesInOneFeed(t *testing.T) {
	d := newDecoder(resp2)
	d.Feed([]byte("+OK\r\n:1\r\n$3\r\nfoo\r\n"))
	var got []Reply
	for {
		r, ok, err := d.Next()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, r)
	}
	if len(got) != 3 {
		t.Fatalf("got %d replies, want 3", len(got))
	}
	if got[0].Type != TypeSimpleString || got[1].Int != 1 || string(got[2].Bulk) != "foo" {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeProtocolErrorUnknownByte(t *testing.T) {
	d := newDecoder(resp2)
	d.Feed([]byte("!garbage\r\n"))
	_, _, err := d.Next()
	if !IsKind(err, KindProtocol) {
		t.Errorf("got %v, want KindProtocol", err)
	}
}

func TestDecodeBulkLenOverLimitIsProtocolError(t *testing.T) {
	d := &decoder{proto: resp2, maxBulkLen: 10}
	d.Feed([]byte("$100\r\n"))
	_, _, err := d.Next()
	if !IsKind(err, KindProtocol) {
		t.Errorf("got %v, want KindProtocol for an over-limit bulk length", err)
	}
}

func TestEncodeCommand(t *testing.T) {
	cmd := NewCommand("SET", "foo", "bar")
	got := string(encodeCommand(nil, cmd))
	want := "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestEncodeCommandBinarySafe(t *testing.T) {
	cmd := NewCommandBytes([]byte("SET"), []byte("k"), []byte("a\r\nb"))
	got := string(encodeCommand(nil, cmd))
	want := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$4\r\na\r\nb\r\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
