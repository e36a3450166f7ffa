package client

import (
	"context"
	"fmt"

	"github.com/openfroyo/upgrader/pkg/config"
	"github.com/openfroyo/upgrader/pkg/protocol"
)

// ConfirmFunc decides whether a staged transaction is committed.
type ConfirmFunc func(ctx context.Context, pkgs []protocol.PackageDelta) (bool, error)

// UpgradeReport summarizes an upgrade session.
type UpgradeReport struct {
	Syncs     []protocol.RepositorySync
	Packages  []protocol.PackageDelta
	Committed bool
	Exit      *protocol.ExitMessage
}

// Upgrade drives a complete system upgrade over a started client:
// Authorize, InitEngine, AddRepository for every profile repository,
// SyncRepositories and GetPendingPackages, then Commit when confirm agrees
// and Abort otherwise. The engine is always freed, which ends the session.
//
// Questions raised during the session are answered by the client's signal
// handler.
func (c *Client) Upgrade(ctx context.Context, profile *config.Profile, confirm ConfirmFunc) (*UpgradeReport, error) {
	report := &UpgradeReport{}

	runErr := c.upgrade(ctx, profile, confirm, report)

	if err := c.FreeEngine(ctx); err != nil && runErr == nil {
		runErr = err
	}

	exit, err := c.Wait(ctx)
	if err != nil && runErr == nil {
		runErr = err
	}
	report.Exit = exit
	return report, runErr
}

func (c *Client) upgrade(ctx context.Context, profile *config.Profile, confirm ConfirmFunc, report *UpgradeReport) error {
	if _, err := c.Authorize(ctx); err != nil {
		return err
	}

	engine := profile.Engine
	if err := c.InitEngine(ctx, &engine); err != nil {
		return err
	}

	for i := range profile.Repositories {
		if err := c.AddRepository(ctx, &profile.Repositories[i]); err != nil {
			return err
		}
	}

	sync, err := c.SyncRepositories(ctx)
	if err != nil {
		return err
	}
	report.Syncs = sync.Repositories
	for _, repo := range sync.Repositories {
		if repo.Outcome == protocol.SyncOutcomeFailed {
			c.logger.Warn().Str("repository", repo.Name).Msg(repo.Error)
		}
	}

	pending, err := c.GetPendingPackages(ctx)
	if err != nil {
		return err
	}
	report.Packages = pending.Packages

	if len(pending.Packages) == 0 {
		c.logger.Info().Msg("System is up to date")
		return c.Abort(ctx)
	}

	ok, err := confirm(ctx, pending.Packages)
	if err != nil {
		if abortErr := c.Abort(ctx); abortErr != nil {
			c.logger.Warn().Err(abortErr).Msg("Failed to abort transaction")
		}
		return fmt.Errorf("confirmation failed: %w", err)
	}
	if !ok {
		return c.Abort(ctx)
	}

	if err := c.Commit(ctx); err != nil {
		return err
	}
	report.Committed = true
	return nil
}

// AutoAnswer is the accepting answer to a question: the first provider for
// AskSelectProvider and "yes" for every other question.
func AutoAnswer(name protocol.SignalName) int {
	if name == protocol.SignalAskSelectProvider {
		return 0
	}
	return 1
}

// AnswerAll returns a signal handler that answers every question with
// AutoAnswer and passes notifications to next, which may be nil.
func (c *Client) AnswerAll(ctx context.Context, next SignalHandler) SignalHandler {
	return func(sig *protocol.SignalMessage) {
		if !sig.Name.IsQuestion() {
			if next != nil {
				next(sig)
			}
			return
		}
		if err := c.Answer(ctx, AutoAnswer(sig.Name)); err != nil {
			c.logger.Warn().Err(err).Str("question", string(sig.Name)).Msg("Failed to answer question")
		}
	}
}
