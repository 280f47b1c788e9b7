// Package state holds the durable crash-recovery record: the operation in
// flight, the last observed rule set and the pending rule key. Every
// firewall mutation is bracketed by a save, so a non-idle state after a
// restart unambiguously means the previous run died between intent and
// confirmation.
package state

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ddnsfw/internal/firewall"
)

const (
	// maxLoadLines guards against corrupt or oversized state files.
	maxLoadLines = 10
	// maxRules bounds the persisted rule set.
	maxRules = 100
)

// Op tags the operation in flight.
type Op int

const (
	OpIdle Op = iota
	OpAdding
	OpDeleting
)

func (o Op) String() string {
	switch o {
	case OpAdding:
		return "ADDING"
	case OpDeleting:
		return "DELETING"
	default:
		return "IDLE"
	}
}

// Operation pairs the tag with its payload. The key is only reachable when
// the tag is non-idle, so "pending iff non-idle" holds by construction.
type Operation struct {
	op  Op
	key firewall.RuleKey
}

func Idle() Operation                       { return Operation{} }
func Adding(k firewall.RuleKey) Operation   { return Operation{op: OpAdding, key: k} }
func Deleting(k firewall.RuleKey) Operation { return Operation{op: OpDeleting, key: k} }

func (o Operation) Kind() Op { return o.op }

// Pending returns the in-flight rule key; ok is false when idle.
func (o Operation) Pending() (firewall.RuleKey, bool) {
	if o.op == OpIdle {
		return firewall.RuleKey{}, false
	}
	return o.key, true
}

// Store is the durable record plus its file location. Mutating helpers
// update the in-memory fields and save synchronously before returning;
// save failures are swallowed and the in-memory state stays authoritative.
type Store struct {
	path string

	operation Operation
	rules     firewall.RuleSet
}

// Load never fails: a missing or unparsable file yields an idle, empty
// store. At most the first few lines are parsed, an unrecognized operation
// tag collapses to idle, and malformed rule fragments are skipped.
func Load(path string) *Store {
	s := &Store{path: path, rules: make(firewall.RuleSet)}

	f, err := os.Open(path)
	if err != nil {
		return s
	}
	defer f.Close()

	var pending firewall.RuleKey
	var havePending bool
	op := OpIdle

	sc := bufio.NewScanner(f)
	lines := 0
	for sc.Scan() {
		lines++
		if lines > maxLoadLines {
			break
		}
		line := sc.Text()

		switch {
		case strings.HasPrefix(line, "STATE:"):
			switch strings.TrimPrefix(line, "STATE:") {
			case "ADDING":
				op = OpAdding
			case "DELETING":
				op = OpDeleting
			default:
				op = OpIdle
			}
		case strings.HasPrefix(line, "RULES:"):
			for _, frag := range strings.Split(strings.TrimPrefix(line, "RULES:"), ",") {
				if len(s.rules) >= maxRules {
					break
				}
				if k, ok := firewall.ParseRuleKey(frag); ok {
					s.rules[k] = struct{}{}
				}
			}
		case strings.HasPrefix(line, "PENDING:"):
			pending, havePending = firewall.ParseRuleKey(strings.TrimPrefix(line, "PENDING:"))
		}
	}

	// a non-idle tag without a parsable pending key is unusable; collapse
	if op != OpIdle && !havePending {
		op = OpIdle
	}
	switch op {
	case OpAdding:
		s.operation = Adding(pending)
	case OpDeleting:
		s.operation = Deleting(pending)
	default:
		s.operation = Idle()
	}
	return s
}

func (s *Store) Operation() Operation { return s.operation }

// Rules returns the last observed rule set. It is diagnostic only and never
// trusted over the live firewall.
func (s *Store) Rules() firewall.RuleSet { return s.rules }

// ReplaceRules overwrites the known rule set from live truth and saves.
func (s *Store) ReplaceRules(live firewall.RuleSet) {
	s.rules = make(firewall.RuleSet, len(live))
	n := 0
	for k := range live {
		if n >= maxRules {
			break
		}
		s.rules[k] = struct{}{}
		n++
	}
	s.save()
}

func (s *Store) SetIdle() {
	s.operation = Idle()
	s.save()
}

func (s *Store) SetAdding(k firewall.RuleKey) {
	s.operation = Adding(k)
	s.save()
}

func (s *Store) SetDeleting(k firewall.RuleKey) {
	s.operation = Deleting(k)
	s.save()
}

// CommitAdd records a completed add: the key joins the known set and the
// operation returns to idle.
func (s *Store) CommitAdd(k firewall.RuleKey) {
	if len(s.rules) < maxRules {
		s.rules[k] = struct{}{}
	}
	s.operation = Idle()
	s.save()
}

// CommitDelete records a completed delete.
func (s *Store) CommitDelete(k firewall.RuleKey) {
	delete(s.rules, k)
	s.operation = Idle()
	s.save()
}

// save writes the record atomically: temp file, flush, rename. A crash
// leaves either the prior or the new content, never a partial write.
// Failures are best-effort by contract.
func (s *Store) save() {
	keys := make([]string, 0, len(s.rules))
	for k := range s.rules {
		if len(keys) >= maxRules {
			break
		}
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	pendingStr := ""
	if k, ok := s.operation.Pending(); ok {
		pendingStr = k.String()
	}

	var b strings.Builder
	b.WriteString("STATE:" + s.operation.Kind().String() + "\n")
	b.WriteString("RULES:" + strings.Join(keys, ",") + "\n")
	b.WriteString("PENDING:" + pendingStr + "\n")

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return
	}
	if err := f.Close(); err != nil {
		return
	}
	_ = os.Rename(tmp, s.path)
}

// WriteInitial creates an idle, empty state file, used at install time.
func WriteInitial(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	s := &Store{path: path, rules: make(firewall.RuleSet)}
	s.save()
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}
