package client

import (
	"context"

	"github.com/openfroyo/upgrader/pkg/protocol"
)

// Authorize binds the session to this client.
func (c *Client) Authorize(ctx context.Context) (*protocol.AuthorizeResult, error) {
	var res protocol.AuthorizeResult
	if err := c.Call(ctx, protocol.MethodAuthorize, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// InitEngine creates the engine handle.
func (c *Client) InitEngine(ctx context.Context, params *protocol.InitEngineParams) error {
	return c.Call(ctx, protocol.MethodInitEngine, params, nil)
}

// AddRepository registers a sync repository.
func (c *Client) AddRepository(ctx context.Context, params *protocol.AddRepositoryParams) error {
	return c.Call(ctx, protocol.MethodAddRepository, params, nil)
}

// SyncRepositories refreshes every registered repository.
func (c *Client) SyncRepositories(ctx context.Context) (*protocol.SyncRepositoriesResult, error) {
	var res protocol.SyncRepositoriesResult
	if err := c.Call(ctx, protocol.MethodSyncRepositories, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPendingPackages stages a system upgrade and lists its packages.
func (c *Client) GetPendingPackages(ctx context.Context) (*protocol.PendingPackagesResult, error) {
	var res protocol.PendingPackagesResult
	if err := c.Call(ctx, protocol.MethodGetPendingPackages, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Commit applies the staged transaction.
func (c *Client) Commit(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodCommit, nil, nil)
}

// Abort releases the staged transaction.
func (c *Client) Abort(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodAbort, nil, nil)
}

// Answer answers the pending question.
func (c *Client) Answer(ctx context.Context, choice int) error {
	return c.Call(ctx, protocol.MethodAnswer, &protocol.AnswerParams{Choice: choice}, nil)
}

// FreeEngine releases the engine. The broker exits afterwards.
func (c *Client) FreeEngine(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodFreeEngine, nil, nil)
}
