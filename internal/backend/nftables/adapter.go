// Package nftables is the reference backend adapter. It drives the Linux
// netfilter subsystem through the nft ruleset syntax: full images are
// loaded as a single transaction beginning with a flush directive, and
// single-rule deltas are applied without disturbing connection tracking.
package nftables

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/brand"
	"holt.is/bulwark/internal/clock"
)

// Adapter implements backend.Adapter for nftables.
type Adapter struct {
	runner    CommandRunner
	backupDir string
	sets      elementApplier
}

// Option configures the adapter.
type Option func(*Adapter)

// WithRunner installs a custom command runner (tests).
func WithRunner(r CommandRunner) Option {
	return func(a *Adapter) { a.runner = r }
}

// New creates the nftables adapter. backupDir receives ruleset snapshots.
func New(backupDir string, opts ...Option) *Adapter {
	a := &Adapter{runner: ExecRunner{}, backupDir: backupDir}
	a.sets = newElementApplier()
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string      { return "nftables" }
func (a *Adapter) Subsystem() string { return "netfilter" }

// Capabilities advertises the nftables feature set.
func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsDeny:          true,
		SupportsStateful:      true,
		SupportsRateLimit:     true,
		SupportsIPv6:          true,
		SupportsPriority:      true,
		SupportsAtomicReplace: true,
		SupportsDeltaOps:      true,
		EvaluationOrder:       backend.FirstMatch,
	}
}

// imageHeader is the owned table skeleton: base chains, the block sets
// and the set-match drop rules. Every full image starts from this.
func imageHeader() string {
	var b strings.Builder
	b.WriteString("flush ruleset\n")
	fmt.Fprintf(&b, "table inet %s {\n", brand.TableName)
	fmt.Fprintf(&b, "\tset %s {\n\t\ttype ipv4_addr\n\t\tflags interval\n\t}\n", blockSetV4)
	fmt.Fprintf(&b, "\tset %s {\n\t\ttype ipv6_addr\n\t\tflags interval\n\t}\n", blockSetV6)
	for _, c := range []struct{ name, hook string }{
		{"input", "input"}, {"forward", "forward"}, {"output", "output"},
	} {
		fmt.Fprintf(&b, "\tchain %s {\n", c.name)
		fmt.Fprintf(&b, "\t\ttype filter hook %s priority filter; policy accept;\n", c.hook)
		if c.name != "output" {
			fmt.Fprintf(&b, "\t\tip saddr @%s drop\n", blockSetV4)
			fmt.Fprintf(&b, "\t\tip6 saddr @%s drop\n", blockSetV6)
		}
		b.WriteString("\t}\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// BuildImage assembles the full-image script from rendered rules, in the
// order given. Rules render as either element additions or add-rule
// statements; both load after the table skeleton in the same transaction.
func (a *Adapter) BuildImage(img backend.Image) string {
	var b strings.Builder
	b.WriteString(imageHeader())
	for _, r := range img.Rules {
		b.WriteString(addForm(r.Text))
		b.WriteByte('\n')
	}
	return b.String()
}

// addForm normalizes a rendered rule to its script line. Element rules
// already carry the add form; statement rules are stored with their
// chain-qualified add form.
func addForm(text string) string {
	if strings.HasPrefix(text, "add ") {
		return text
	}
	return "add " + text
}

// Validate dry-runs a rendered rule against a scratch image.
func (a *Adapter) Validate(ctx context.Context, r backend.RenderedRule) (backend.Verdict, error) {
	script := imageHeader() + addForm(r.Text) + "\n"
	out, err := a.runner.RunInput(ctx, script, "nft", "-c", "-f", "-")
	if err != nil {
		kind := classifyExecErr(err, out)
		if kind == "syntax" {
			return backend.Verdict{Valid: false, Errors: verdictErrors(out)}, nil
		}
		return backend.Verdict{}, backend.NewError(backend.ErrorKind(kind), a.Name(), "validate", err)
	}
	return backend.Verdict{Valid: true}, nil
}

// ValidateImage dry-runs a full image script.
func (a *Adapter) ValidateImage(ctx context.Context, img backend.Image) (backend.Verdict, error) {
	out, err := a.runner.RunInput(ctx, a.BuildImage(img), "nft", "-c", "-f", "-")
	if err != nil {
		kind := classifyExecErr(err, out)
		if kind == "syntax" {
			return backend.Verdict{Valid: false, Errors: verdictErrors(out)}, nil
		}
		return backend.Verdict{}, backend.NewError(backend.ErrorKind(kind), a.Name(), "validate", err)
	}
	return backend.Verdict{Valid: true}, nil
}

func verdictErrors(out []byte) []string {
	var errs []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			errs = append(errs, line)
		}
	}
	if len(errs) == 0 {
		errs = []string{"validation failed"}
	}
	return errs
}

// Snapshot captures the live ruleset into the backup directory.
func (a *Adapter) Snapshot(ctx context.Context) (backend.BackupRef, error) {
	out, err := a.runner.Run(ctx, "nft", "list", "ruleset")
	if err != nil {
		return backend.BackupRef{}, backend.NewError(
			backend.ErrorKind(classifyExecErr(err, out)), a.Name(), "snapshot", err)
	}
	if err := os.MkdirAll(a.backupDir, 0o750); err != nil {
		return backend.BackupRef{}, backend.NewError(backend.KindSystem, a.Name(), "snapshot", err)
	}
	now := clock.Now()
	name := fmt.Sprintf("%s-%s.nft", now.UTC().Format("20060102T150405Z"), uuid.NewString())
	path := filepath.Join(a.backupDir, name)
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return backend.BackupRef{}, backend.NewError(backend.KindSystem, a.Name(), "snapshot", err)
	}
	sum := sha256.Sum256(out)
	return backend.BackupRef{
		Path:      path,
		Checksum:  hex.EncodeToString(sum[:]),
		TakenUnix: now.Unix(),
	}, nil
}

// ApplyAtomic replaces the live ruleset in one kernel transaction. The
// script begins with a flush directive inside the same transaction;
// there is never a separate flush invocation.
func (a *Adapter) ApplyAtomic(ctx context.Context, img backend.Image) (backend.ApplyReceipt, error) {
	script := a.BuildImage(img)
	out, err := a.runner.RunInput(ctx, script, "nft", "-f", "-")
	if err != nil {
		return backend.ApplyReceipt{}, backend.NewError(
			backend.ErrorKind(classifyExecErr(err, out)), a.Name(), "apply_atomic",
			fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	sum := sha256.Sum256([]byte(script))
	return backend.ApplyReceipt{
		RulesApplied: len(img.Rules),
		Transaction:  hex.EncodeToString(sum[:8]),
	}, nil
}

// ApplyDelta applies a single-rule addition or removal as one
// transaction. Bare-address block elements go through netlink on Linux
// so established connection tracking is preserved; everything else runs
// through a one-statement script.
func (a *Adapter) ApplyDelta(ctx context.Context, d backend.Delta) (backend.ApplyReceipt, error) {
	switch {
	case d.Add != nil:
		if set, elem, ok := parseElementOp(d.Add.Text); ok {
			if err := a.sets.addElement(ctx, set, elem); err == nil {
				return backend.ApplyReceipt{RulesApplied: 1, Transaction: "netlink"}, nil
			}
			// netlink unavailable (non-linux or no permission); fall
			// through to the script path which is still one transaction
		}
		return a.runDeltaScript(ctx, addForm(d.Add.Text))
	case d.Remove != nil:
		if set, elem, ok := parseElementOp(d.Remove.Text); ok {
			if err := a.sets.deleteElement(ctx, set, elem); err == nil {
				return backend.ApplyReceipt{RulesApplied: 1, Transaction: "netlink"}, nil
			}
			script := fmt.Sprintf("delete element inet %s %s { %s }", brand.TableName, set, elem)
			return a.runDeltaScript(ctx, script)
		}
		return a.removeByHandle(ctx, *d.Remove)
	default:
		return backend.ApplyReceipt{}, backend.NewError(backend.KindSyntax, a.Name(), "apply_delta",
			errors.New("empty delta"))
	}
}

func (a *Adapter) runDeltaScript(ctx context.Context, script string) (backend.ApplyReceipt, error) {
	out, err := a.runner.RunInput(ctx, script+"\n", "nft", "-f", "-")
	if err != nil {
		return backend.ApplyReceipt{}, backend.NewError(
			backend.ErrorKind(classifyExecErr(err, out)), a.Name(), "apply_delta",
			fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	sum := sha256.Sum256([]byte(script))
	return backend.ApplyReceipt{RulesApplied: 1, Transaction: hex.EncodeToString(sum[:8])}, nil
}

// removeByHandle locates a rule by its embedded id comment and deletes it
// by kernel handle in one transaction.
func (a *Adapter) removeByHandle(ctx context.Context, r backend.RenderedRule) (backend.ApplyReceipt, error) {
	out, err := a.runner.Run(ctx, "nft", "-a", "list", "table", "inet", brand.TableName)
	if err != nil {
		return backend.ApplyReceipt{}, backend.NewError(
			backend.ErrorKind(classifyExecErr(err, out)), a.Name(), "apply_delta", err)
	}
	chain, handle, ok := findHandle(string(out), r.RuleID)
	if !ok {
		return backend.ApplyReceipt{}, backend.NewError(backend.KindSystem, a.Name(), "apply_delta",
			fmt.Errorf("rule %s not present in live ruleset", r.RuleID))
	}
	script := fmt.Sprintf("delete rule inet %s %s handle %d", brand.TableName, chain, handle)
	return a.runDeltaScript(ctx, script)
}

// Restore loads a snapshot as a single transaction. The restore script
// prepends the flush directive so replacement is atomic.
func (a *Adapter) Restore(ctx context.Context, ref backend.BackupRef) error {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return backend.NewError(backend.KindSystem, a.Name(), "restore",
			fmt.Errorf("backup missing: %w", err))
	}
	sum := sha256.Sum256(data)
	if ref.Checksum != "" && hex.EncodeToString(sum[:]) != ref.Checksum {
		return backend.NewError(backend.KindSystem, a.Name(), "restore",
			errors.New("backup checksum mismatch"))
	}
	script := "flush ruleset\n" + string(data)
	out, err := a.runner.RunInput(ctx, script, "nft", "-f", "-")
	if err != nil {
		return backend.NewError(backend.ErrorKind(classifyExecErr(err, out)), a.Name(), "restore",
			fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return nil
}

// ListRules returns the active rules of the owned table parsed to text.
func (a *Adapter) ListRules(ctx context.Context) ([]backend.RenderedRule, error) {
	out, err := a.runner.Run(ctx, "nft", "list", "ruleset")
	if err != nil {
		return nil, backend.NewError(
			backend.ErrorKind(classifyExecErr(err, out)), a.Name(), "list_rules", err)
	}
	return parseRuleset(string(out), a.Name()), nil
}

// ImportRules lifts the active ruleset into the neutral model.
func (a *Adapter) ImportRules(ctx context.Context) ([]backend.ImportedRule, error) {
	rendered, err := a.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	imported := make([]backend.ImportedRule, 0, len(rendered))
	for _, r := range rendered {
		imported = append(imported, liftRule(r))
	}
	return imported, nil
}

// Health probes reachability (nft answers) and writability (a trivial
// check-mode transaction is accepted).
func (a *Adapter) Health(ctx context.Context) (backend.Health, error) {
	h := backend.Health{}
	if out, err := a.runner.Run(ctx, "nft", "list", "tables"); err != nil {
		return h, backend.NewError(
			backend.ErrorKind(classifyExecErr(err, out)), a.Name(), "health", err)
	}
	h.Reachable = true
	probe := fmt.Sprintf("add table inet %s_probe\ndelete table inet %s_probe\n",
		brand.TableName, brand.TableName)
	if _, err := a.runner.RunInput(ctx, probe, "nft", "-f", "-"); err == nil {
		h.Writable = true
	}
	return h, nil
}

// parseElementOp recognizes "add element inet bulwark <set> { <elem> }".
func parseElementOp(text string) (set, elem string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) < 7 || fields[0] != "add" || fields[1] != "element" {
		return "", "", false
	}
	if fields[2] != "inet" || fields[3] != brand.TableName {
		return "", "", false
	}
	set = fields[4]
	open := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if open < 0 || end < open {
		return "", "", false
	}
	elem = strings.TrimSpace(text[open+1 : end])
	return set, elem, elem != ""
}
