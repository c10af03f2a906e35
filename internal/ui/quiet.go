package ui

import "github.com/bamsammich/iblocksync/internal/stats"

// quietPresenter consumes events but produces no output.
type quietPresenter struct {
	stats stats.Reader
}

func (p *quietPresenter) Run(events <-chan Event) error {
	//nolint:revive // empty-block: intentionally draining event channel
	for range events {
		// Totals are set on the collector directly by the engine;
		// presenters only read from the collector, never write.
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	return ""
}
