// Package remote calls capabilities served by another process over NATS
// request/reply. The request body is the JSON form of action.Request and the
// reply body the JSON form of action.Result.
//
// Connections are pooled per server URL and credentials. A call checks a
// connection out of the pool for its duration; only checkout and return are
// serialized, never the calls themselves.
package remote
