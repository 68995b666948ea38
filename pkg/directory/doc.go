/*
Package directory exposes the Host Directory consumed by the queue core:
host identity, approval/active status and parent/child topology.

The core treats the directory as an external collaborator and never
mutates it. Two implementations are provided: StoreDirectory reads the
host records persisted by the storage layer, and Memory is a map-backed
directory for tests and embedded setups.
*/
package directory
