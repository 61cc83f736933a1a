// Package optimize computes green-time splits for signalised intersections.
//
// Two algorithms are provided:
//
//   - afsa: the Artificial Fish Swarm Algorithm (Swarm) maximising the
//     weighted throughput/queue/wait/emergency objective of SignalOptimizer.
//   - proportional: a Webster-style split of the usable cycle in proportion
//     to phase demand.
//
// Both are reached through the registry (Lookup) so callers can select them
// by the name stored in system settings.
//
// All algorithms are deterministic for a fixed seed and honour context
// cancellation between iterations.
package optimize
