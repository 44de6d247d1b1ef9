package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

// commandServer answers the REST command protocol from a Memory backend
type commandServer struct {
	t     *testing.T
	token string
	mem   *Memory
}

func newCommandServer(t *testing.T, token string) (*httptest.Server, *Memory) {
	t.Helper()
	mem := NewMemory(time.Minute)
	srv := httptest.NewServer(&commandServer{t: t, token: token, mem: mem})
	t.Cleanup(func() {
		srv.Close()
		mem.Close()
	})
	return srv, mem
}

func (s *commandServer) reply(w http.ResponseWriter, status int, result interface{}, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{"result": result}
	if errMsg != "" {
		body = map[string]interface{}{"error": errMsg}
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *commandServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		s.reply(w, http.StatusUnauthorized, nil, "unauthorized")
		return
	}
	var args []string
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil || len(args) == 0 {
		s.reply(w, http.StatusBadRequest, nil, "malformed command")
		return
	}

	ctx := r.Context()
	ms := func(v string) time.Duration {
		n, _ := strconv.ParseInt(v, 10, 64)
		return time.Duration(n) * time.Millisecond
	}

	switch strings.ToUpper(args[0]) {
	case "PING":
		s.reply(w, http.StatusOK, "PONG", "")
	case "GET":
		value, err := s.mem.Get(ctx, args[1])
		if err == ErrNotFound {
			s.reply(w, http.StatusOK, nil, "")
			return
		}
		s.reply(w, http.StatusOK, string(value), "")
	case "SET":
		if len(args) == 6 && args[3] == "NX" {
			ok, err := s.mem.SetNX(ctx, args[1], []byte(args[2]), ms(args[5]))
			if err != nil {
				s.reply(w, http.StatusBadRequest, nil, err.Error())
				return
			}
			if !ok {
				s.reply(w, http.StatusOK, nil, "")
				return
			}
			s.reply(w, http.StatusOK, "OK", "")
			return
		}
		if len(args) != 5 {
			s.reply(w, http.StatusBadRequest, nil, "ERR syntax error")
			return
		}
		if err := s.mem.Setex(ctx, args[1], ms(args[4]), []byte(args[2])); err != nil {
			s.reply(w, http.StatusBadRequest, nil, err.Error())
			return
		}
		s.reply(w, http.StatusOK, "OK", "")
	case "DEL":
		n, _ := s.mem.Del(ctx, args[1:]...)
		s.reply(w, http.StatusOK, n, "")
	case "EXISTS":
		n, _ := s.mem.Exists(ctx, args[1:]...)
		s.reply(w, http.StatusOK, n, "")
	case "KEYS":
		keys, err := s.mem.Keys(ctx, args[1])
		if err != nil {
			s.reply(w, http.StatusBadRequest, nil, err.Error())
			return
		}
		if keys == nil {
			keys = []string{}
		}
		s.reply(w, http.StatusOK, keys, "")
	case "PEXPIRE":
		ok, _ := s.mem.Expire(ctx, args[1], ms(args[2]))
		n := 0
		if ok {
			n = 1
		}
		s.reply(w, http.StatusOK, n, "")
	case "PTTL":
		entry, ok := s.mem.store.Lookup(args[1])
		switch {
		case !ok:
			s.reply(w, http.StatusOK, TTLMissing, "")
		case entry.ExpiresAt.IsZero():
			s.reply(w, http.StatusOK, TTLNoExpiry, "")
		default:
			s.reply(w, http.StatusOK, time.Until(entry.ExpiresAt).Milliseconds(), "")
		}
	case "FLUSHDB":
		_ = s.mem.FlushDB(ctx)
		s.reply(w, http.StatusOK, "OK", "")
	default:
		s.reply(w, http.StatusBadRequest, nil, "ERR unknown command '"+args[0]+"'")
	}
}
