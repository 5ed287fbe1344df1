// Package prompt loads the Markdown system prompt and serves it as plain text.
//
// The converted text is cached after the first successful load. Concurrent
// first loads share one read. A Watcher can invalidate the cache when the
// file changes on disk so the next turn picks up the edit.
package prompt
