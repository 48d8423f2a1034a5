// Package kernel implements the execution coordinator: the per-worker owner
// of the runtime, the package cache tiers and the cell state table.
//
// The coordinator moves each cell through idle→running→{completed,error},
// streams runtime output to the controller as notifications while it is
// produced, and resolves a cell's imports through the installer before
// running it. Execute bodies never overlap on one coordinator.
package kernel
