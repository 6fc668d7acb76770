// Package storage defines the Persistence/Query Store used by the engine and the admission controller.
//
// Implementations must:
//   - return ErrNotFound from Get/FindXxxByKey methods when the single requested row does not exist
//   - return an empty slice, never ErrNotFound, from list queries without results
//   - apply every write made inside Storage.Update atomically, or none of them when fn returns an error
//   - order results by the query's Order and apply its Page after filtering
package storage
