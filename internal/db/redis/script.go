package redis

import (
	"context"

	"github.com/redis/rueidis"

	"github.com/studykite/meterd/internal/db"
)

// Eval runs a Lua script with EVALSHA, loading it on first use.
// Compiled scripts are cached per source so repeat calls skip SCRIPT LOAD.
func (s *Store) Eval(ctx context.Context, script string, keys, args []string) ([]byte, error) {
	var lua *rueidis.Lua
	if cached, ok := s.scripts.Load(script); ok {
		lua = cached.(*rueidis.Lua)
	} else {
		lua = rueidis.NewLuaScript(script)
		s.scripts.Store(script, lua)
	}

	data, err := lua.Exec(ctx, s.client, keys, args).AsBytes()
	if err != nil {
		return nil, &db.Error{Op: db.OpEval, Err: err}
	}
	return data, nil
}
