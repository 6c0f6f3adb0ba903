// Copyright (c) 2024 The Uvio Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uvio

import "github.com/uvio-dev/uvio/pkg/logging"

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	if opts.ReadBufferCap <= 0 {
		opts.ReadBufferCap = DefaultReadBufferCap
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	return opts
}

// DefaultReadBufferCap is the default capacity of the loop's read buffer.
const DefaultReadBufferCap = 64 * 1024

// Options are configurations for a Loop.
type Options struct {
	// ReadBufferCap is the capacity of the buffer that readable events are
	// drained into before being handed to read callbacks. One readable
	// event yields at most one read of this size.
	ReadBufferCap int

	// Logger is the customized logger for logging info, if it is not set,
	// then uvio will use the default logger powered by zap.
	Logger logging.Logger
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithReadBufferCap sets up the capacity of the loop's read buffer.
func WithReadBufferCap(readBufferCap int) Option {
	return func(opts *Options) {
		opts.ReadBufferCap = readBufferCap
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}
