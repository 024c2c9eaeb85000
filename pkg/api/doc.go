// Package api defines the public model of the stepflow engine: workflow
// definitions and their steps, instance state, the step executor and
// condition evaluator contracts, the error taxonomy, and the Engine
// interface itself.
//
// Most applications import the root stepflow package, which re-exports the
// commonly used types; api is for hosts that implement executors,
// evaluators or observers.
package api
