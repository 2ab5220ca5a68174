// Package character derives and validates a character's computed vitals from
// its raw attribute allocation.
//
// Everything here is pure: no I/O, no clocks, no shared state. The vitals
// service owns persistence and concurrency and calls into this package for
// the rules.
package character
