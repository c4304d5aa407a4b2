// Package policy decides where a capability invocation runs.
//
// A Policy is an ordered list of rules. Each rule has a condition over the
// capability and the request and a target: Local, Cloud or Reject. The first
// matching rule wins; when nothing matches the policy default applies, which is
// Reject unless configured otherwise.
//
// Independently of the rules, a capability whose privacy class forbids cloud
// execution (always including "sensitive") is never routed to Cloud: such an
// outcome is downgraded to the policy's sensitive fallback (Local by default).
// The downgrade can only move a decision away from Cloud, never towards it.
//
// The Engine holds the active policy behind an atomic pointer. SetPolicy swaps it
// in one step; every Select call works on the snapshot it loaded when it started.
package policy
