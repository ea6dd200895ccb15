// Package registry keeps the set of online clients for the messenger relay.
//
// Each identity maps to exactly one connection and each connection to at
// most one identity. Register performs its uniqueness check and insert under
// a single lock, so two concurrent claims on the same identity can never both
// succeed. Unregister works from the connection side because a dying socket
// does not know which identity it announced.
//
// Snapshot hands out a sorted copy; callers send to the copied handles
// without holding the registry lock.
package registry
