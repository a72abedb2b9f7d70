package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/ChinmayGopal931/Motivate-app/pkg/transfer"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var propertyParties = []ledger.Address{"p0", "p1", "p2", owner}

// runOps decodes each int into one engine call: create, resolve by verifier,
// resolve by owner, failed transfer, or a clock step. It returns false as soon
// as the store fails its audit or an operation misbehaves.
func runOps(ops []int, cleanup VerifierCleanup) bool {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	payouts := transfer.NewMemory()
	e := New(owner, payouts,
		WithClock(func() time.Time { return now }),
		WithVerifierCleanup(cleanup),
	)
	settled := make(map[ledger.ID]bool)

	for _, op := range ops {
		a := propertyParties[op%len(propertyParties)]
		b := propertyParties[(op/4)%len(propertyParties)]
		amount := int64((op / 16) % 50)
		n := e.Length()

		switch (op / 1024) % 5 {
		case 0, 1:
			_, err := e.CreatePromise(ctx, CreateRequest{
				Task: "t", Amount: amount, AttachedValue: amount,
				Verifier: b, Deadline: now.Unix() + amount%7, Creator: a,
			})
			if err != nil {
				return false
			}
		case 2:
			if n == 0 {
				continue
			}
			id := ledger.ID(op % n)
			p, _ := e.Promise(id)
			before := len(payouts.Records())
			_, err := e.ResolvePromise(ctx, id, p.Verifier)
			if settled[id] {
				if !errors.Is(err, ErrAlreadySettled) || len(payouts.Records()) != before {
					return false
				}
				continue
			}
			if err != nil {
				return false
			}
			settled[id] = true
		case 3:
			if n == 0 {
				continue
			}
			id := ledger.ID(op % n)
			p, _ := e.Promise(id)
			_, err := e.ResolvePromise(ctx, id, owner)
			switch {
			case p.Verifier == owner || (now.Unix() >= p.Deadline && !settled[id]):
				if settled[id] {
					if !errors.Is(err, ErrAlreadySettled) {
						return false
					}
					continue
				}
				if err != nil {
					return false
				}
				settled[id] = true
			case now.Unix() < p.Deadline:
				if !errors.Is(err, ErrUnauthorized) {
					return false
				}
			default:
				if !errors.Is(err, ErrAlreadySettled) {
					return false
				}
			}
		case 4:
			if n > 0 && op%2 == 0 {
				id := ledger.ID(op % n)
				p, _ := e.Promise(id)
				locked := e.LockedFunds(p.Creator)
				payouts.FailNext(errors.New("injected"))
				_, err := e.ResolvePromise(ctx, id, p.Verifier)
				if settled[id] {
					payouts.FailNext(nil)
					if !errors.Is(err, ErrAlreadySettled) {
						return false
					}
				} else if !errors.Is(err, ErrTransferFailed) || e.LockedFunds(p.Creator) != locked {
					return false
				}
			} else {
				now = now.Add(time.Duration(amount) * time.Second)
			}
		}

		if _, err := e.Audit(); err != nil {
			return false
		}
	}
	return true
}

// TestEngineKeepsInvariants drives random operation sequences.
// Property: after every step the audit passes, so locked funds equal the sum of
// pending created stakes and every list agrees with its reverse index.
func TestEngineKeepsInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	properties.Property("verifier cleanup", prop.ForAll(
		func(ops []int) bool { return runOps(ops, CleanupOriginalVerifier) },
		gen.SliceOf(gen.IntRange(0, 1<<16)),
	))
	properties.Property("resolver cleanup", prop.ForAll(
		func(ops []int) bool { return runOps(ops, CleanupResolver) },
		gen.SliceOf(gen.IntRange(0, 1<<16)),
	))

	properties.TestingRun(t)
}
