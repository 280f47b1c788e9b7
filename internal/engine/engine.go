// Package engine orchestrates one synchronization run: lock, crash
// recovery, resolve, add, delete. It owns every ordering and fail-safe
// decision; the components underneath only report outcomes.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"ddnsfw/internal/config"
	"ddnsfw/internal/enrich"
	"ddnsfw/internal/firewall"
	"ddnsfw/internal/lock"
	"ddnsfw/internal/resolver"
	"ddnsfw/internal/state"
	"ddnsfw/logger"
)

// maxLoop is the hard ceiling on every per-phase loop, independent of data
// size. Exceeding it truncates the phase with a warning, never aborting
// the run.
const maxLoop = 200

type Engine struct {
	cfg config.Config
	fw  firewall.Backend
	res resolver.Resolver
	enr *enrich.Enricher
	out io.Writer
}

type Option func(*Engine)

// WithOutput redirects per-entry progress, which defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) { e.out = w }
}

// WithEnricher adds GeoIP annotation to progress lines.
func WithEnricher(enr *enrich.Enricher) Option {
	return func(e *Engine) { e.enr = enr }
}

func New(cfg config.Config, fw firewall.Backend, res resolver.Resolver, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, fw: fw, res: res, out: os.Stdout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one full synchronization pass. The returned error is a
// setup failure only (lock contention past the ceiling); individual rule
// outcomes are reported and absorbed, and the run still ends idle.
func (e *Engine) Run(ctx context.Context) error {
	lk, err := lock.Acquire(e.cfg.LockPath, e.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	st := state.Load(e.cfg.StatePath)
	if st.Operation().Kind() != state.OpIdle {
		logger.Info("incomplete operation detected, recovering",
			zap.String("operation", st.Operation().Kind().String()))
		e.recover(st)
	}

	entries := config.LoadEntries(e.cfg.ConfigPath)
	if len(entries) == 0 {
		fmt.Fprintln(e.out, "no entries configured")
		return nil
	}
	fmt.Fprintf(e.out, "syncing %d entries\n", len(entries))

	// live firewall truth, re-read every run; the persisted set is only a
	// crash diagnostic and is overwritten from it here
	live := e.fw.ListTaggedRules()
	st.ReplaceRules(live)

	desired, toAdd := e.resolvePhase(ctx, entries, live)
	e.addPhase(st, toAdd, live, desired)
	e.deletePhase(st, live, desired)

	st.SetIdle()
	fmt.Fprintln(e.out, "sync complete")
	return nil
}

// recover completes or clears the operation a crashed run left behind.
// Adding: live truth decides — present means commit, absent means one add
// attempt, and failure leaves the key to the reconciliation that follows.
// Deleting: the outcome is ambiguous, so the state just clears; the full
// reconcile in this same run decides the rule's fate.
func (e *Engine) recover(st *state.Store) {
	op := st.Operation()
	k, ok := op.Pending()
	if !ok {
		st.SetIdle()
		return
	}

	switch op.Kind() {
	case state.OpAdding:
		if e.fw.RuleExists(k) {
			logger.Info("recovery: pending add already installed", zap.Stringer("rule", k))
			st.CommitAdd(k)
			return
		}
		logger.Info("recovery: re-issuing pending add", zap.Stringer("rule", k))
		if e.fw.AddRule(k) {
			st.CommitAdd(k)
		} else {
			st.SetIdle()
		}
	case state.OpDeleting:
		logger.Info("recovery: delete was interrupted, deferring to reconciliation",
			zap.Stringer("rule", k))
		st.SetIdle()
	}
}

// resolvePhase is pure: it issues no firewall mutations. Each entry either
// contributes its resolved (addr, port) to the desired set, or — on
// resolution failure — re-asserts every existing rule on its port so prior
// access survives untouched.
func (e *Engine) resolvePhase(ctx context.Context, entries []config.Entry, live firewall.RuleSet) (firewall.RuleSet, []firewall.RuleKey) {
	desired := make(firewall.RuleSet)
	var toAdd []firewall.RuleKey

	for i, entry := range entries {
		if i >= maxLoop {
			logger.Warn("resolve phase loop ceiling reached, truncating",
				zap.Int("ceiling", maxLoop))
			break
		}

		addr, ok := e.res.Resolve(ctx, entry.Hostname)
		if !ok {
			fmt.Fprintf(e.out, "%s -> SKIP (resolution failed, keeping existing)\n", entry)
			e.preservePort(entry.Port, live, desired)
			continue
		}

		k := firewall.RuleKey{Addr: addr, Port: entry.Port}
		desired[k] = struct{}{}

		note := ""
		if e.enr != nil {
			note = e.enr.Annotate(addr)
		}

		if live.Contains(k) {
			fmt.Fprintf(e.out, "%s -> %s%s OK (no change)\n", entry, addr, note)
			continue
		}
		// authoritative second opinion straight from the tool, in case the
		// listing lagged or was truncated
		if e.fw.RuleExists(k) {
			fmt.Fprintf(e.out, "%s -> %s%s OK (exists)\n", entry, addr, note)
			continue
		}

		toAdd = append(toAdd, k)
		fmt.Fprintf(e.out, "%s -> %s%s PENDING\n", entry, addr, note)
	}
	return desired, toAdd
}

// addPhase installs queued rules, each bracketed by an intent save before
// the mutation and a commit after it. A failed add is retried exactly once;
// exhausted failure re-asserts the port's pre-existing rules into desired
// so the stale rule is not deleted later despite the failed failover.
func (e *Engine) addPhase(st *state.Store, toAdd []firewall.RuleKey, live, desired firewall.RuleSet) {
	for i, k := range toAdd {
		if i >= maxLoop {
			logger.Warn("add phase loop ceiling reached, truncating", zap.Int("ceiling", maxLoop))
			break
		}

		st.SetAdding(k)
		if e.fw.AddRule(k) {
			st.CommitAdd(k)
			fmt.Fprintf(e.out, "added %s\n", k)
			continue
		}
		if e.fw.AddRule(k) {
			st.CommitAdd(k)
			fmt.Fprintf(e.out, "added %s (retry)\n", k)
			continue
		}

		st.SetIdle()
		fmt.Fprintf(e.out, "add FAILED %s (keeping existing)\n", k)
		e.preservePort(k.Port, live, desired)
	}
}

// deletePhase removes live rules absent from the desired set. Adds have all
// completed by now, so access never shrinks below the run's starting point
// before its replacement is active. Deletes are not retried; a failure
// leaves the rule in place and never blocks the remaining rules.
func (e *Engine) deletePhase(st *state.Store, live, desired firewall.RuleSet) {
	keys := lo.Keys(live)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Addr != keys[j].Addr {
			return keys[i].Addr.Less(keys[j].Addr)
		}
		return keys[i].Port < keys[j].Port
	})

	for i, k := range keys {
		if i >= maxLoop {
			logger.Warn("delete phase loop ceiling reached, truncating", zap.Int("ceiling", maxLoop))
			break
		}
		if desired.Contains(k) {
			continue
		}

		st.SetDeleting(k)
		if e.fw.DeleteRule(k) {
			st.CommitDelete(k)
			fmt.Fprintf(e.out, "removed stale %s\n", k)
		} else {
			st.SetIdle()
			fmt.Fprintf(e.out, "delete FAILED %s (rule remains)\n", k)
		}
	}
}

// preservePort folds every live rule on port into desired, the shared
// fail-safe for resolution and add failures.
func (e *Engine) preservePort(port uint16, live, desired firewall.RuleSet) {
	for _, k := range lo.Keys(live) {
		if k.Port == port {
			desired[k] = struct{}{}
		}
	}
}
