// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package postgres

import (
	"log/slog"
)

type AccumulatorRepository struct {
	options *accumulatorRepositoryOptions
}

// NewAccumulatorRepository creates a new [AccumulatorRepository].
func NewAccumulatorRepository(options ...AccumulatorRepositoryOption) (*AccumulatorRepository, error) {
	opts := defaultAccumulatorRepositoryOptions
	for _, opt := range GlobalAccumulatorRepositoryOptions {
		opt.apply(&opts)
	}
	for _, opt := range options {
		opt.apply(&opts)
	}

	return &AccumulatorRepository{
		options: &opts,
	}, nil
}

type accumulatorRepositoryOptions struct {
	Logger *slog.Logger
	Db     PgxPoolInterface
}

var defaultAccumulatorRepositoryOptions = accumulatorRepositoryOptions{
	Logger: slog.Default(),
}

// GlobalAccumulatorRepositoryOptions is a list of [AccumulatorRepositoryOption]s that are applied to all [AccumulatorRepository]s.
var GlobalAccumulatorRepositoryOptions []AccumulatorRepositoryOption

// AccumulatorRepositoryOption is an option for configuring a [AccumulatorRepository].
type AccumulatorRepositoryOption interface {
	apply(*accumulatorRepositoryOptions)
}

// funcAccumulatorRepositoryOption is a [AccumulatorRepositoryOption] that calls a function.
// It is used to wrap a function, so it satisfies the [AccumulatorRepositoryOption] interface.
type funcAccumulatorRepositoryOption struct {
	f func(*accumulatorRepositoryOptions)
}

func (fdo *funcAccumulatorRepositoryOption) apply(opts *accumulatorRepositoryOptions) {
	fdo.f(opts)
}

func newFuncAccumulatorRepositoryOption(f func(*accumulatorRepositoryOptions)) *funcAccumulatorRepositoryOption {
	return &funcAccumulatorRepositoryOption{
		f: f,
	}
}

// WithAccumulatorRepositoryLogger returns a [AccumulatorRepositoryOption] that uses the provided logger.
func WithAccumulatorRepositoryLogger(logger *slog.Logger) AccumulatorRepositoryOption {
	return newFuncAccumulatorRepositoryOption(func(opts *accumulatorRepositoryOptions) {
		opts.Logger = logger
	})
}

// WithAccumulatorRepositoryDb returns a [AccumulatorRepositoryOption] that uses the provided database connection.
func WithAccumulatorRepositoryDb(db PgxPoolInterface) AccumulatorRepositoryOption {
	return newFuncAccumulatorRepositoryOption(func(opts *accumulatorRepositoryOptions) {
		opts.Db = db
	})
}
