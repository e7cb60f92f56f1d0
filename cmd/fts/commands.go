package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/danmuck/fts/internal/alias"
	"github.com/danmuck/fts/internal/client"
	"github.com/danmuck/fts/internal/server"
	"github.com/danmuck/fts/internal/transfer"
)

type SendCmd struct {
	Target   string   `arg:"" help:"Alias or host:port of the receiving peer."`
	Files    []string `arg:"" type:"existingfile" help:"Files to send."`
	Parallel int      `short:"p" help:"Files in flight at once (default from config)."`
}

func (c *SendCmd) Run(a *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := a.deps(ctx)
	if err != nil {
		return err
	}
	reg, err := a.aliasRegistry()
	if err != nil {
		return err
	}
	opts := a.cfg.ClientOptions()
	if c.Parallel > 0 {
		opts.Parallel = c.Parallel
	}
	d := client.NewDriver(a.cfg.TransferConfig(), deps, reg, opts)
	ep, err := d.Resolve(c.Target)
	if err != nil {
		return err
	}
	outcomes, err := d.SendAll(ctx, ep, c.Files)
	for i, out := range outcomes {
		printOutcome(a, c.Files[i], out)
	}
	return err
}

func printOutcome(a *app, path string, out transfer.Outcome) {
	if out.Failure == nil {
		a.printf("sent %s: %d bytes (%d chunks, %d resumed) in %s\n", out.Name, out.Size,
			out.ChunksTransferred, out.ChunksResumed, out.Duration.Round(time.Millisecond))
		return
	}
	hint := ""
	if out.Failure.Resumable {
		hint = " (resumable, run send again)"
	}
	a.printf("failed %s: %s%s\n", path, out.Failure.Err, hint)
	if out.Failure.Kind == transfer.KindTrustViolation {
		a.printf("  review with: fts trust list\n")
	}
}

type CloseCmd struct {
	Timeout time.Duration `short:"t" help:"Drain timeout before live sessions are cancelled (default from config)."`
}

func (c *CloseCmd) Run(a *app) error {
	st, err := server.ReadDetachState(a.cfg.DetachFile())
	if errors.Is(err, server.ErrNotDetached) {
		return fmt.Errorf("no running server found in %s", a.cfg.Home)
	}
	if err != nil {
		return err
	}
	timeout := a.cfg.CloseTimeout
	if c.Timeout > 0 {
		timeout = c.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+10*time.Second)
	defer cancel()
	report, err := server.NewAdminClient(st.AdminAddr, st.Token).Close(ctx, timeout)
	if err != nil {
		return err
	}
	printReport(a, report)
	return nil
}

type TrustCmd struct {
	List    TrustListCmd    `cmd:"" default:"1" help:"List known hosts."`
	Approve TrustApproveCmd `cmd:"" help:"Pin FINGERPRINT for HOST, replacing any previous pin."`
	Forget  TrustForgetCmd  `cmd:"" help:"Remove the record for HOST."`
}

type TrustListCmd struct{}

func (c *TrustListCmd) Run(a *app) error {
	ctx := context.Background()
	store, err := a.trustStore(ctx)
	if err != nil {
		return err
	}
	recs, err := store.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tSTATUS\tFIRST SEEN\tFINGERPRINT")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Host, r.Status, r.FirstSeen.Local().Format(time.DateTime), r.Fingerprint)
	}
	return w.Flush()
}

type TrustApproveCmd struct {
	Host        string `arg:"" help:"Host as recorded by the trust store."`
	Fingerprint string `arg:"" help:"SHA-256 certificate fingerprint (hex, colons optional)."`
}

func (c *TrustApproveCmd) Run(a *app) error {
	ctx := context.Background()
	store, err := a.trustStore(ctx)
	if err != nil {
		return err
	}
	if err := store.Approve(ctx, c.Host, c.Fingerprint); err != nil {
		return err
	}
	a.printf("trusted %s\n", c.Host)
	return nil
}

type TrustForgetCmd struct {
	Host string `arg:""`
}

func (c *TrustForgetCmd) Run(a *app) error {
	ctx := context.Background()
	store, err := a.trustStore(ctx)
	if err != nil {
		return err
	}
	if err := store.Forget(ctx, c.Host); err != nil {
		return err
	}
	a.printf("forgot %s\n", c.Host)
	return nil
}

type AliasCmd struct {
	List   AliasListCmd   `cmd:"" default:"1" help:"List aliases."`
	Add    AliasAddCmd    `cmd:"" help:"Name a peer address."`
	Remove AliasRemoveCmd `cmd:"" aliases:"rm" help:"Delete an alias."`
}

type AliasListCmd struct{}

func (c *AliasListCmd) Run(a *app) error {
	reg, err := a.aliasRegistry()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tHOST\tPINNED")
	for _, e := range reg.List() {
		pinned := "-"
		if e.Fingerprint != "" {
			pinned = e.Fingerprint[:16]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.Address, e.Host, pinned)
	}
	return w.Flush()
}

type AliasAddCmd struct {
	Name        string `arg:""`
	Address     string `arg:"" help:"host:port of the peer."`
	Host        string `help:"Trust store key (defaults to NAME)."`
	Fingerprint string `short:"f" help:"Expected certificate fingerprint."`
	Replace     bool   `short:"r" help:"Overwrite an existing alias."`
}

func (c *AliasAddCmd) Run(a *app) error {
	reg, err := a.aliasRegistry()
	if err != nil {
		return err
	}
	e, err := reg.Add(alias.Entry{Name: c.Name, Address: c.Address, Host: c.Host, Fingerprint: c.Fingerprint}, c.Replace)
	if err != nil {
		return err
	}
	a.printf("added %s -> %s\n", e.Name, e.Address)
	return nil
}

type AliasRemoveCmd struct {
	Name string `arg:""`
}

func (c *AliasRemoveCmd) Run(a *app) error {
	reg, err := a.aliasRegistry()
	if err != nil {
		return err
	}
	if err := reg.Remove(c.Name); err != nil {
		return err
	}
	a.printf("removed %s\n", c.Name)
	return nil
}

type CacheCmd struct {
	Stats CacheStatsCmd `cmd:"" default:"1" help:"Show cache usage."`
	Evict CacheEvictCmd `cmd:"" help:"Evict least recently used chunks down to the budget."`
	Clear CacheClearCmd `cmd:"" help:"Remove every unpinned chunk."`
}

type CacheStatsCmd struct{}

func (c *CacheStatsCmd) Run(a *app) error {
	rc, err := a.resumeCache()
	if err != nil {
		return err
	}
	st := rc.Stats()
	a.printf("entries %d\nbytes %d of %d\npinned %d\n", st.Entries, st.Bytes, st.Budget, st.Pinned)
	return nil
}

type CacheEvictCmd struct{}

func (c *CacheEvictCmd) Run(a *app) error {
	rc, err := a.resumeCache()
	if err != nil {
		return err
	}
	a.printf("evicted %d chunks\n", rc.Evict())
	return nil
}

type CacheClearCmd struct{}

func (c *CacheClearCmd) Run(a *app) error {
	rc, err := a.resumeCache()
	if err != nil {
		return err
	}
	a.printf("removed %d chunks\n", rc.Purge())
	return nil
}

type IDCmd struct{}

func (c *IDCmd) Run(a *app) error {
	id, err := a.identity()
	if err != nil {
		return err
	}
	a.printf("name %s\nfingerprint %s\n", id.Name, id.Fingerprint())
	return nil
}
