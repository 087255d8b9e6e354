package portfolio

import (
	"context"

	"tradingcore/src/model"
)

// Store is the durable-store port. Every write carries the version the caller
// last read (0 for a record never persisted) and returns the record with its
// new version. A stale version fails with model.ErrVersionConflict.
type Store interface {
	SavePosition(ctx context.Context, p model.Position) (model.Position, error)
	GetPosition(ctx context.Context, id string) (model.Position, error)
	GetAllOpenPositions(ctx context.Context) ([]model.Position, error)

	SavePortfolioFinancials(ctx context.Context, f model.PortfolioFinancials) (model.PortfolioFinancials, error)
	GetPortfolioFinancials(ctx context.Context) (model.PortfolioFinancials, error)

	SavePyramidBookkeeping(ctx context.Context, b model.PyramidBookkeeping) (model.PyramidBookkeeping, error)
	GetPyramidBookkeeping(ctx context.Context) ([]model.PyramidBookkeeping, error)
}

// TradeRecorder receives every closed trade.
type TradeRecorder interface {
	RecordClosedTrade(ctx context.Context, trade model.ClosedTrade) error
}
