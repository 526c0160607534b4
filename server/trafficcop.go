package server

// QueryResult is the materialised outcome of one statement, as handed from
// the query engine to the protocol handler. Rows are textual; this engine
// does not interpret them.
type QueryResult struct {
	Columns []string
	Rows    [][]string
	Tag     string
	Err     error
}

// TrafficCop is the query-execution front-end a protocol handler delegates
// to. A statement may complete synchronously or be taken over by a worker
// pool, in which case the cop invokes the registered task callback when the
// result is ready and the handler collects it with Result.
//
// The callback is the only part of the contract that crosses threads: it is
// raised from an unspecified worker and must be safe to invoke from any
// goroutine. Everything else runs on the connection's loop thread.
type TrafficCop interface {
	// SetTaskCallback registers the completion callback. The connection
	// engine passes a closure over its wake handle; the cop treats it as an
	// opaque token.
	SetTaskCallback(cb func())

	// SetQueuing toggles the flag the handler consults to know whether a
	// deferred request is outstanding.
	SetQueuing(bool)
	Queuing() bool

	// ExecuteStatement runs sql. done reports synchronous completion; when
	// false the cop has queued the statement and res is nil.
	ExecuteStatement(sql string) (res *QueryResult, done bool)

	// Result returns the outcome of the last deferred statement.
	Result() *QueryResult

	// Reset cancels in-flight work and clears state.
	Reset()
}
