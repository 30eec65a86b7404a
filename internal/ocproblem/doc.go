// Package ocproblem defines the user-facing contract of an optimal control
// problem: dynamics, cost terms, constraint terms and their local
// approximations at a query point (t, x, u).
//
// The solver never differentiates user functions itself. Each capability
// object returns values and first/second-order models directly; how those
// derivatives are produced (analytic, finite differences, AD) is up to the
// implementation.
//
// Capability objects are cloned once per solver worker via their Clone
// method, so implementations may keep mutable scratch state without
// synchronization.
package ocproblem
