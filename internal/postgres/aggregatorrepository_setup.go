// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package postgres

import (
	"log/slog"
)

type AggregatorRepository struct {
	options *aggregatorRepositoryOptions
}

// NewAggregatorRepository creates a new [AggregatorRepository].
func NewAggregatorRepository(options ...AggregatorRepositoryOption) (*AggregatorRepository, error) {
	opts := defaultAggregatorRepositoryOptions
	for _, opt := range GlobalAggregatorRepositoryOptions {
		opt.apply(&opts)
	}
	for _, opt := range options {
		opt.apply(&opts)
	}

	return &AggregatorRepository{
		options: &opts,
	}, nil
}

type aggregatorRepositoryOptions struct {
	Logger *slog.Logger
	Db     PgxPoolInterface
}

var defaultAggregatorRepositoryOptions = aggregatorRepositoryOptions{
	Logger: slog.Default(),
}

// GlobalAggregatorRepositoryOptions is a list of [AggregatorRepositoryOption]s that are applied to all [AggregatorRepository]s.
var GlobalAggregatorRepositoryOptions []AggregatorRepositoryOption

// AggregatorRepositoryOption is an option for configuring a [AggregatorRepository].
type AggregatorRepositoryOption interface {
	apply(*aggregatorRepositoryOptions)
}

// funcAggregatorRepositoryOption is a [AggregatorRepositoryOption] that calls a function.
// It is used to wrap a function, so it satisfies the [AggregatorRepositoryOption] interface.
type funcAggregatorRepositoryOption struct {
	f func(*aggregatorRepositoryOptions)
}

func (fdo *funcAggregatorRepositoryOption) apply(opts *aggregatorRepositoryOptions) {
	fdo.f(opts)
}

func newFuncAggregatorRepositoryOption(f func(*aggregatorRepositoryOptions)) *funcAggregatorRepositoryOption {
	return &funcAggregatorRepositoryOption{
		f: f,
	}
}

// WithAggregatorRepositoryLogger returns a [AggregatorRepositoryOption] that uses the provided logger.
func WithAggregatorRepositoryLogger(logger *slog.Logger) AggregatorRepositoryOption {
	return newFuncAggregatorRepositoryOption(func(opts *aggregatorRepositoryOptions) {
		opts.Logger = logger
	})
}

// WithAggregatorRepositoryDb returns a [AggregatorRepositoryOption] that uses the provided database connection.
func WithAggregatorRepositoryDb(db PgxPoolInterface) AggregatorRepositoryOption {
	return newFuncAggregatorRepositoryOption(func(opts *aggregatorRepositoryOptions) {
		opts.Db = db
	})
}
