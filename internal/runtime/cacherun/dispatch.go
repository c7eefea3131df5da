package cacherun

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/socketley/daemon/internal/cachestore"
	"github.com/socketley/daemon/internal/proto/resp"
)

// dispatchLine executes one plaintext command line against store and
// returns the newline-terminated reply per §6 ("ok, nil, <value>,
// <number>, error: <reason>, denied: <reason>, terminal list/set/hash
// dumps end with end\n").
func dispatchLine(store *cachestore.Store, cc *clientConn, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	reply, mutated := execCommand(store, cc, cmd, args)
	if mutated {
		store.PropagateMutation(line)
	}
	return reply
}

// execCommand runs one verb, returning (reply, wasMutating).
func execCommand(store *cachestore.Store, cc *clientConn, cmd string, args []string) (string, bool) {
	switch cmd {
	case "set":
		if len(args) < 2 {
			return "error: set requires key and value\n", false
		}
		if err := store.Set(args[0], strings.Join(args[1:], " ")); err != nil {
			return errLine(err), false
		}
		return "ok\n", true

	case "get":
		if len(args) < 1 {
			return "error: get requires key\n", false
		}
		v, ok := store.Get(args[0])
		if !ok {
			return "nil\n", false
		}
		return v + "\n", false

	case "del":
		if len(args) < 1 {
			return "error: del requires key\n", false
		}
		return boolReply(store.Del(args[0])), true

	case "exists":
		if len(args) < 1 {
			return "error: exists requires key\n", false
		}
		return boolReply(store.Exists(args[0])), false

	case "lpush", "rpush":
		if len(args) < 2 {
			return fmt.Sprintf("error: %s requires key and value(s)\n", cmd), false
		}
		var n int
		var err error
		if cmd == "lpush" {
			n, err = store.LPush(args[0], args[1:]...)
		} else {
			n, err = store.RPush(args[0], args[1:]...)
		}
		if err != nil {
			return errLine(err), false
		}
		return strconv.Itoa(n) + "\n", true

	case "lpop", "rpop":
		if len(args) < 1 {
			return fmt.Sprintf("error: %s requires key\n", cmd), false
		}
		var v string
		var ok bool
		if cmd == "lpop" {
			v, ok = store.LPop(args[0])
		} else {
			v, ok = store.RPop(args[0])
		}
		if !ok {
			return "nil\n", false
		}
		return v + "\n", true

	case "llen":
		if len(args) < 1 {
			return "error: llen requires key\n", false
		}
		return strconv.Itoa(store.LLen(args[0])) + "\n", false

	case "lindex":
		if len(args) < 2 {
			return "error: lindex requires key and index\n", false
		}
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return "error: invalid index\n", false
		}
		v, ok := store.LIndex(args[0], idx)
		if !ok {
			return "nil\n", false
		}
		return v + "\n", false

	case "lrange":
		if len(args) < 3 {
			return "error: lrange requires key, start, end\n", false
		}
		start, err1 := strconv.Atoi(args[1])
		end, err2 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil {
			return "error: invalid range\n", false
		}
		items := store.LRange(args[0], start, end)
		return dumpList(items), false

	case "sadd":
		if len(args) < 2 {
			return "error: sadd requires key and member\n", false
		}
		added, err := store.SAdd(args[0], args[1])
		if err != nil {
			return errLine(err), false
		}
		return boolReply(added), true

	case "srem":
		if len(args) < 2 {
			return "error: srem requires key and member\n", false
		}
		removed, err := store.SRem(args[0], args[1])
		if err != nil {
			return errLine(err), false
		}
		return boolReply(removed), true

	case "sismember":
		if len(args) < 2 {
			return "error: sismember requires key and member\n", false
		}
		return boolReply(store.SIsMember(args[0], args[1])), false

	case "scard":
		if len(args) < 1 {
			return "error: scard requires key\n", false
		}
		return strconv.Itoa(store.SCard(args[0])) + "\n", false

	case "smembers":
		if len(args) < 1 {
			return "error: smembers requires key\n", false
		}
		return dumpList(store.SMembers(args[0])), false

	case "hset":
		if len(args) < 3 {
			return "error: hset requires key, field, value\n", false
		}
		_, err := store.HSet(args[0], args[1], strings.Join(args[2:], " "))
		if err != nil {
			return errLine(err), false
		}
		return "ok\n", true

	case "hget":
		if len(args) < 2 {
			return "error: hget requires key and field\n", false
		}
		v, ok := store.HGet(args[0], args[1])
		if !ok {
			return "nil\n", false
		}
		return v + "\n", false

	case "hdel":
		if len(args) < 2 {
			return "error: hdel requires key and field\n", false
		}
		deleted, err := store.HDel(args[0], args[1])
		if err != nil {
			return errLine(err), false
		}
		return boolReply(deleted), true

	case "hlen":
		if len(args) < 1 {
			return "error: hlen requires key\n", false
		}
		return strconv.Itoa(store.HLen(args[0])) + "\n", false

	case "hgetall":
		if len(args) < 1 {
			return "error: hgetall requires key\n", false
		}
		all := store.HGetAll(args[0])
		var out strings.Builder
		for k, v := range all {
			out.WriteString(k + " " + v + "\n")
		}
		out.WriteString("end\n")
		return out.String(), false

	case "expire":
		if len(args) < 2 {
			return "error: expire requires key and seconds\n", false
		}
		seconds, err := strconv.Atoi(args[1])
		if err != nil {
			return "error: invalid seconds\n", false
		}
		return boolReply(store.Expire(args[0], seconds)), true

	case "ttl":
		if len(args) < 1 {
			return "error: ttl requires key\n", false
		}
		return strconv.FormatInt(store.TTL(args[0]), 10) + "\n", false

	case "persist":
		if len(args) < 1 {
			return "error: persist requires key\n", false
		}
		return boolReply(store.Persist(args[0])), true

	case "subscribe":
		if len(args) < 1 {
			return "error: subscribe requires channel\n", false
		}
		store.Subscribe(cc.fd, args[0], cc)
		return "ok\n", false

	case "unsubscribe":
		if len(args) < 1 {
			return "error: unsubscribe requires channel\n", false
		}
		store.Unsubscribe(cc.fd, args[0])
		return "ok\n", false

	case "publish":
		if len(args) < 2 {
			return "error: publish requires channel and message\n", false
		}
		n := store.Publish(args[0], strings.Join(args[1:], " "))
		return strconv.Itoa(n) + "\n", false

	case "replicate":
		if err := store.AddFollower(cc.fd, cc); err != nil {
			return "error: replicate: " + err.Error() + "\n", false
		}
		return "", false

	case "flush":
		if store.Mode() != cachestore.ModeAdmin {
			return "denied: admin mode required\n", false
		}
		store.Flush()
		return "ok\n", true

	case "load":
		if store.Mode() != cachestore.ModeAdmin {
			return "denied: admin mode required\n", false
		}
		if len(args) < 1 {
			return "error: load requires path\n", false
		}
		if err := store.Load(args[0]); err != nil {
			return "error: " + err.Error() + "\n", false
		}
		return "ok\n", false

	default:
		return "error: unknown command\n", false
	}
}

func boolReply(b bool) string {
	if b {
		return "1\n"
	}
	return "0\n"
}

func errLine(err error) string {
	if err == cachestore.ErrReadonly {
		return "denied: readonly mode\n"
	}
	if err == cachestore.ErrOOM {
		return "error: oom\n"
	}
	if err == cachestore.ErrTypeConflict {
		return "error: type conflict\n"
	}
	return "error: " + err.Error() + "\n"
}

func dumpList(items []string) string {
	var out strings.Builder
	for _, it := range items {
		out.WriteString(it + "\n")
	}
	out.WriteString("end\n")
	return out.String()
}

// dispatchRESP executes one already-parsed RESP2 command (array of bulk
// strings, §4.5) and returns the RESP-encoded reply (§6).
func dispatchRESP(store *cachestore.Store, cc *clientConn, args [][]byte) string {
	if len(args) == 0 {
		return string(resp.EncodeError("empty command"))
	}
	cmd := strings.ToLower(string(args[0]))
	strArgs := make([]string, len(args)-1)
	for i, a := range args[1:] {
		strArgs[i] = string(a)
	}

	plainReply, mutated := execCommand(store, cc, cmd, strArgs)
	if mutated {
		store.PropagateMutation(cmd + " " + strings.Join(strArgs, " "))
	}
	return toRESPReply(plainReply)
}

// toRESPReply maps a plaintext-protocol reply to a RESP2 wire reply,
// matching the spec's reply type table (§4.5).
func toRESPReply(plain string) string {
	plain = strings.TrimSuffix(plain, "\n")
	switch {
	case plain == "nil":
		return string(resp.EncodeNullBulk())
	case plain == "ok":
		return string(resp.EncodeSimpleString("OK"))
	case strings.HasPrefix(plain, "error: "), strings.HasPrefix(plain, "denied: "):
		return string(resp.EncodeError(plain))
	case plain == "0" || plain == "1":
		n, _ := strconv.ParseInt(plain, 10, 64)
		return string(resp.EncodeInteger(n))
	default:
		if n, err := strconv.ParseInt(plain, 10, 64); err == nil {
			return string(resp.EncodeInteger(n))
		}
		return string(resp.EncodeBulkString([]byte(plain)))
	}
}
