// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that read the time or wait on it take a [Clock] instead
// of calling the time package. Tests construct a [FakeClock] with
// [Fake], start the component, call [FakeClock.WaitForTimers] until the
// component has registered its ticker or timer, then [FakeClock.Advance]
// past the deadline:
//
//	fake := clock.Fake(time.Date(2026, 2, 28, 14, 0, 0, 0, time.UTC))
//	go runner.Run(ctx)
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
package clock
