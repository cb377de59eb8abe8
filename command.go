package redis

// keyIndex locates the first key argument of a command. Two special
// values mean something other than "argument at this 1-based index":
// keyIndexNone for keyless commands, keyIndexStreams for the
// XREAD/XREADGROUP "scan for the STREAMS marker" rule.
type keyIndex int

const (
	keyIndexNone keyIndex = 0
	// keyIndexStreams marks XREAD/XREADGROUP: the key is the argument
	// following the literal "STREAMS" token, not a fixed index.
	keyIndexStreams keyIndex = -1
)

// commandInfo is the static per-command entry of the command table.
type commandInfo struct {
	KeyIndex      keyIndex
	Arity         int // negative means "at least this many", Redis convention
	PubSubControl bool
}

// pubSubAllowed is the command set the connection's Subscribed state
// permits while subscribed under RESP2: SUBSCRIBE, PSUBSCRIBE,
// UNSUBSCRIBE, PUNSUBSCRIBE, PING, QUIT, RESET.
var pubSubAllowed = map[string]bool{
	"SUBSCRIBE":    true,
	"PSUBSCRIBE":   true,
	"UNSUBSCRIBE":  true,
	"PUNSUBSCRIBE": true,
	"PING":         true,
	"QUIT":         true,
	"RESET":        true,
}

// commandTable is a representative subset of Redis's full command
// set. It covers every command exercised by this module's
// convenience methods and test scenarios, plus the handful of
// commands whose key-extraction rule is irregular enough to be worth
// naming explicitly.
var commandTable = map[string]commandInfo{
	"GET":          {KeyIndex: 1, Arity: 2},
	"SET":          {KeyIndex: 1, Arity: -3},
	"DEL":          {KeyIndex: 1, Arity: -2},
	"EXISTS":       {KeyIndex: 1, Arity: -2},
	"INCR":         {KeyIndex: 1, Arity: 2},
	"INCRBY":       {KeyIndex: 1, Arity: 3},
	"LPUSH":        {KeyIndex: 1, Arity: -3},
	"RPUSH":        {KeyIndex: 1, Arity: -3},
	"LPOP":         {KeyIndex: 1, Arity: -2},
	"RPOP":         {KeyIndex: 1, Arity: -2},
	"LLEN":         {KeyIndex: 1, Arity: 2},
	"LRANGE":       {KeyIndex: 1, Arity: 4},
	"HGET":         {KeyIndex: 1, Arity: 3},
	"HGETALL":      {KeyIndex: 1, Arity: 2},
	"HSET":         {KeyIndex: 1, Arity: -4},
	"EXPIRE":       {KeyIndex: 1, Arity: -3},
	"TTL":          {KeyIndex: 1, Arity: 2},
	"WATCH":        {KeyIndex: 1, Arity: -2},
	"UNWATCH":      {KeyIndex: 0, Arity: 1},
	"MULTI":        {KeyIndex: 0, Arity: 1},
	"EXEC":         {KeyIndex: 0, Arity: 1},
	"DISCARD":      {KeyIndex: 0, Arity: 1},
	"AUTH":         {KeyIndex: 0, Arity: -2},
	"SELECT":       {KeyIndex: 0, Arity: 2},
	"HELLO":        {KeyIndex: 0, Arity: -1},
	"PING":         {KeyIndex: 0, Arity: -1, PubSubControl: true},
	"QUIT":         {KeyIndex: 0, Arity: 1, PubSubControl: true},
	"RESET":        {KeyIndex: 0, Arity: 1, PubSubControl: true},
	"CLIENT":       {KeyIndex: 0, Arity: -2},
	"CLUSTER":      {KeyIndex: 0, Arity: -2},
	"ASKING":       {KeyIndex: 0, Arity: 1},
	"PUBLISH":      {KeyIndex: 1, Arity: 3},
	"SUBSCRIBE":    {KeyIndex: 1, Arity: -2, PubSubControl: true},
	"PSUBSCRIBE":   {KeyIndex: 1, Arity: -2, PubSubControl: true},
	"UNSUBSCRIBE":  {KeyIndex: 1, Arity: -1, PubSubControl: true},
	"PUNSUBSCRIBE": {KeyIndex: 1, Arity: -1, PubSubControl: true},
	"XREAD":        {KeyIndex: keyIndexStreams, Arity: -4},
	"XREADGROUP":   {KeyIndex: keyIndexStreams, Arity: -7},
	"XGROUP":       {KeyIndex: 2, Arity: -2},
	"XINFO STREAM": {KeyIndex: 2, Arity: -3},
}

// lookupCommand resolves a Command's canonical keyword in the table.
// Unknown commands resolve to a zero-value commandInfo (no key,
// unconstrained arity) rather than an error, so an unrecognized
// command is still forwardable.
func lookupCommand(keyword string) commandInfo {
	if info, ok := commandTable[keyword]; ok {
		return info
	}
	return commandInfo{}
}

// extractKey returns the routing key bytes for a command, applying
// the STREAMS-marker scan for XREAD/XREADGROUP. ok is false when the command has no key (KeyIndex == 0 and
// no STREAMS marker found).
func extractKey(c Command) (key []byte, ok bool) {
	info := lookupCommand(c.Keyword())
	switch info.KeyIndex {
	case keyIndexNone:
		return nil, false
	case keyIndexStreams:
		for i, arg := range c.Args {
			if string(arg) == "STREAMS" && i+1 < len(c.Args) {
				return c.Args[i+1], true
			}
		}
		return nil, false
	default:
		idx := int(info.KeyIndex)
		if idx < len(c.Args) {
			return c.Args[idx], true
		}
		return nil, false
	}
}
