// Package batch buffers frontier and statistics writes and applies them to a
// crawler.MutationSink in batches. A single goroutine owns the pending batch,
// so flushes never overlap, and a Tuner adapts batch size and flush interval
// to the latency and failure rate the sink exhibits.
package batch
