package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ChinmayGopal931/Motivate-app/pkg/api"
	"github.com/ChinmayGopal931/Motivate-app/pkg/auth"
	"github.com/ChinmayGopal931/Motivate-app/pkg/client"
	"github.com/ChinmayGopal931/Motivate-app/pkg/config"
	"github.com/ChinmayGopal931/Motivate-app/pkg/escrow"
	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/ChinmayGopal931/Motivate-app/pkg/snapshot"
	"github.com/ChinmayGopal931/Motivate-app/pkg/transfer"
)

func defaultURL() string {
	if u := os.Getenv("MOTIVATE_URL"); u != "" {
		return u
	}
	return "http://localhost:" + config.Load().Port
}

func writeJSONOut(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

// runTokenCmd mints a token signed with the key derived from MOTIVATE_SECRET.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sub   string
		owner bool
		ttl   time.Duration
	)
	cmd.StringVar(&sub, "sub", "", "Party address the token speaks for (REQUIRED)")
	cmd.BoolVar(&owner, "owner", false, "Add the owner role")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sub == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --sub is required")
		return 2
	}

	secret := config.Load().Secret
	if secret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: MOTIVATE_SECRET must be set to mint tokens the server accepts")
		return 2
	}
	keys, err := auth.NewKeySet([]byte(secret))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var roles []string
	if owner {
		roles = append(roles, auth.RoleOwner)
	}
	tok, err := auth.Issue(context.Background(), keys, ledger.Address(sub), roles, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}

// runSnapshotCmd implements `motivate snapshot verify`.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = usage error
func runSnapshotCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "verify" {
		_, _ = fmt.Fprintln(stderr, "Usage: motivate snapshot verify --file <path> [--json]")
		return 2
	}

	cmd := flag.NewFlagSet("snapshot verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		file       string
		jsonOutput bool
	)
	cmd.StringVar(&file, "file", "", "Snapshot file (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	report, err := verifySnapshot(file)
	if err != nil {
		if jsonOutput {
			writeJSONOut(stdout, map[string]any{"file": file, "valid": false, "error": err.Error()})
		} else {
			_, _ = fmt.Fprintf(stdout, "Snapshot verification FAILED: %v\n", err)
		}
		return 1
	}

	if jsonOutput {
		writeJSONOut(stdout, map[string]any{"file": file, "valid": true, "audit": report})
	} else {
		_, _ = fmt.Fprintf(stdout, "Snapshot verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "   File:     %s\n", file)
		_, _ = fmt.Fprintf(stdout, "   Promises: %d (%d pending)\n", report.Promises, report.Pending)
		_, _ = fmt.Fprintf(stdout, "   Head:     %s\n", report.Head)
		if report.StaleVerifyEntries > 0 {
			_, _ = fmt.Fprintf(stdout, "   Stale to-verify entries: %d\n", report.StaleVerifyEntries)
		}
	}
	return 0
}

// verifySnapshot checks format and digest, then restores the state to run a
// full audit.
func verifySnapshot(path string) (escrow.AuditReport, error) {
	doc, err := snapshot.ReadFile(path)
	if err != nil {
		return escrow.AuditReport{}, err
	}
	e, err := doc.Restore(transfer.NewMemory())
	if err != nil {
		return escrow.AuditReport{}, err
	}
	return e.Audit()
}

// runInspectCmd prints the accounts held in a snapshot.
func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var file string
	cmd.StringVar(&file, "file", "", "Snapshot file (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	doc, err := snapshot.ReadFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	p := message.NewPrinter(language.English)
	addrs := make([]ledger.Address, 0, len(doc.State.Accounts))
	for a := range doc.State.Accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	_, _ = p.Fprintf(stdout, "Snapshot %s taken %s\n", doc.Digest, doc.TakenAt.Format(time.RFC3339))
	_, _ = p.Fprintf(stdout, "Owner %s, %d promises, head %s\n\n", doc.State.Owner, doc.Promises, doc.Head)
	_, _ = p.Fprintf(stdout, "%-24s %16s %8s %10s\n", "ADDRESS", "LOCKED", "CREATED", "TO VERIFY")
	var total int64
	for _, a := range addrs {
		acct := doc.State.Accounts[a]
		total += acct.LockedFunds
		_, _ = p.Fprintf(stdout, "%-24s %16d %8d %10d\n", a, acct.LockedFunds, len(acct.Created), len(acct.ToVerify))
	}
	_, _ = p.Fprintf(stdout, "%-24s %16d\n", "TOTAL", total)
	return 0
}

// runPromiseCmd drives a running server through pkg/client.
func runPromiseCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: motivate promise <create|resolve|get> [flags]")
		return 2
	}

	cmd := flag.NewFlagSet("promise "+args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		url      string
		token    string
		id       uint64
		task     string
		amount   int64
		verifier string
		deadline string
	)
	cmd.StringVar(&url, "url", defaultURL(), "Server base URL")
	cmd.StringVar(&token, "token", os.Getenv("MOTIVATE_TOKEN"), "Bearer token (default $MOTIVATE_TOKEN)")
	cmd.Uint64Var(&id, "id", 0, "Promise id (resolve, get)")
	cmd.StringVar(&task, "task", "", "Task description (create)")
	cmd.Int64Var(&amount, "amount", 0, "Stake in minor units (create)")
	cmd.StringVar(&verifier, "verifier", "", "Verifier address (create)")
	cmd.StringVar(&deadline, "deadline", "24h", "Unix seconds, or a duration from now (create)")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	c := client.New(url, client.WithToken(token))
	ctx := context.Background()

	switch args[0] {
	case "create":
		if verifier == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --verifier is required")
			return 2
		}
		dl, err := parseDeadline(deadline, time.Now())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		newID, err := c.CreatePromise(ctx, api.CreatePromiseRequest{
			Task:          task,
			Amount:        amount,
			Verifier:      ledger.Address(verifier),
			Deadline:      dl,
			AttachedValue: amount,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		writeJSONOut(stdout, api.CreatePromiseResponse{ID: newID})
	case "resolve":
		s, err := c.ResolvePromise(ctx, ledger.ID(id))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		writeJSONOut(stdout, s)
	case "get":
		p, err := c.GetPromise(ctx, ledger.ID(id))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		writeJSONOut(stdout, p)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown promise subcommand: %s\n", args[0])
		return 2
	}
	return 0
}

func parseDeadline(s string, now time.Time) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline %q: want unix seconds or a duration", s)
	}
	return now.Add(d).Unix(), nil
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var url string
	cmd.StringVar(&url, "url", defaultURL(), "Server base URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	h, err := client.New(url, client.WithTimeout(5*time.Second)).Health(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK (%d promises, head %s)\n", h.Promises, h.Head)
	return 0
}
