package client

import (
	"context"

	"github.com/resident-x/go-xpertking/internal/domain"
	"github.com/resident-x/go-xpertking/internal/schema"
)

// QueryAsync runs Query on a goroutine. The returned channel receives
// exactly one result and is then closed. A context cancelled before the
// query starts yields an empty result; an exchange already in flight runs
// to completion.
func (c *Client) QueryAsync(ctx context.Context, command, param string) <-chan []domain.TelemetryItem {
	return c.runAsync(ctx, func() []domain.TelemetryItem {
		return c.Query(command, param)
	})
}

// QueryGroupAsync runs QueryGroup on a goroutine with the same contract as QueryAsync.
func (c *Client) QueryGroupAsync(ctx context.Context, group schema.Group) <-chan []domain.TelemetryItem {
	return c.runAsync(ctx, func() []domain.TelemetryItem {
		return c.QueryGroup(group)
	})
}

func (c *Client) runAsync(ctx context.Context, query func() []domain.TelemetryItem) <-chan []domain.TelemetryItem {
	result := make(chan []domain.TelemetryItem, 1)

	go func() {
		defer close(result)

		if ctx.Err() != nil {
			c.logger.Debug().Err(ctx.Err()).Msg("Query cancelled before start")
			result <- nil
			return
		}
		result <- query()
	}()

	return result
}
