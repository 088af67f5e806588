// Package directory resolves user mail addresses through the domain
// directory tools. Lookups shell out to dsquery/dsget; results are cached
// for the process lifetime, including misses.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/flexwatch/flexwatch/pkg/engine/flexlm"
	"github.com/flexwatch/flexwatch/pkg/engine/shell"
)

var upnRe = regexp.MustCompile(`^\s*upn:\s*(\S+)`)

type Resolver struct {
	runner shell.Runner
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

type Option func(*Resolver)

func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.log = l } }

func NewResolver(runner shell.Runner, opts ...Option) *Resolver {
	r := &Resolver{
		runner: runner,
		log:    slog.Default(),
		cache:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mail returns uid's mail address, or "" when the directory does not know
// the user. Misses are cached too so a broken account does not trigger a
// directory query every cycle.
func (r *Resolver) Mail(ctx context.Context, uid string) string {
	uid = flexlm.Canonical(uid)

	r.mu.Lock()
	addr, hit := r.cache[uid]
	r.mu.Unlock()
	if hit {
		return addr
	}

	addr = r.lookup(ctx, uid)
	r.mu.Lock()
	r.cache[uid] = addr
	r.mu.Unlock()
	return addr
}

func (r *Resolver) lookup(ctx context.Context, uid string) string {
	pipeline := fmt.Sprintf("dsquery user -samid %s | dsget user -L -upn", uid)
	res := r.runner.Run(ctx, "cmd", "/C", pipeline)
	if res.HasErrors() {
		r.log.Warn("directory lookup failed", "uid", uid, "errors", res.Errors())
		return ""
	}
	for _, line := range res.Lines() {
		if m := upnRe.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	r.log.Warn("no upn found for user", "uid", uid)
	return ""
}
