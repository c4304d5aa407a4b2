// Package action defines the invocation protocol shared by every capability backend:
// the request a caller submits, the result a backend produces, and the error taxonomy
// used to describe failures.
//
// The wire shape of a result is the literal contract callers decode:
//
//	{"correlation_id":"...","status":0,"error":null,"output":{...}}
//
// A status of 0 means success. Any other status is a failure and carries an error
// with a kind and a message. Requests and results are values: they are created once
// and never mutated after being handed to the broker.
package action
