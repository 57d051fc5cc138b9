// Package events provides the engine's event bus.
//
// The scheduler publishes run, stage, cache, and rule events; subscribers
// receive them on buffered channels. Each subscription chooses an overflow
// strategy for when its buffer is full: Drop and DropOldest keep Publish
// non-blocking (slow subscribers lose events, counted per subscription),
// while Block paces the publisher to the subscriber. The default is
// DropOldest so an ignored subscription can never stall a pipeline run.
package events
