// Package taskolib executes user-authored automation sequences composed of
// ordered, typed steps, where each step embeds a small sandboxed Lua script.
//
// A Sequence is a structured program: steps are typed (action, if, elseif,
// else, while, try, catch, end) and must form a well-nested block structure.
// The Executor walks a validated sequence, evaluating control-flow steps
// against script-produced truth values, marshalling a shared variable Context
// into and out of each script, and enforcing per-step timeouts and
// cooperative cancellation requested through a CommChannel.
//
// Supporting concerns live in subpackages:
//
//	import "github.com/MissPeppermintPatty/taskolib/bus"   // message fan-out and stores
//	import "github.com/MissPeppermintPatty/taskolib/store" // sequence (de)serialization
//	import "github.com/MissPeppermintPatty/taskolib/sched" // cron-driven execution
//	import "github.com/MissPeppermintPatty/taskolib/otel"  // tracing of runs
package taskolib
