package main

import (
	"context"
	"time"

	tape "github.com/oddlot/tape"
)

// unconfiguredBroker reports missing credentials for every call. It keeps
// the server bootable before a platform client is wired; the agent surfaces
// the condition as a re-auth prompt.
type unconfiguredBroker struct{}

func (unconfiguredBroker) Positions(context.Context, string) ([]tape.Position, error) {
	return nil, tape.ErrAuthRequired
}

func (unconfiguredBroker) SubmitOrder(context.Context, tape.OrderParams) (tape.OrderAck, error) {
	return tape.OrderAck{}, tape.ErrAuthRequired
}

func (unconfiguredBroker) Activities(context.Context, string, string, time.Time, time.Time) ([]tape.Activity, error) {
	return nil, tape.ErrAuthRequired
}

type unconfiguredMarket struct{}

func (unconfiguredMarket) Quote(context.Context, string) (tape.Quote, error) {
	return tape.Quote{}, tape.ErrAuthRequired
}

func (unconfiguredMarket) PriceHistory(context.Context, string, time.Time, time.Time) ([]tape.Candle, error) {
	return nil, tape.ErrAuthRequired
}

var (
	_ tape.BrokerClient = unconfiguredBroker{}
	_ tape.MarketData   = unconfiguredMarket{}
)
