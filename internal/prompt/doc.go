// Package prompt renders every block of text that reaches the model.
//
// Prompt text is Go code rather than config files because it is program
// logic: formatters interpolate user-controlled Discord data and must
// escape it, and their output feeds token budgeting, so the exact
// rendered form is part of the contract and is validated by tests.
//
// Convention: each block gets its own file (memory.go, environment.go,
// crosschannel.go) with an exported function that accepts the dynamic
// parts and returns the rendered block, or the empty string when there
// is nothing to contribute. Composition in builder.go is then plain
// concatenation with no conditional plumbing at the call site.
package prompt
