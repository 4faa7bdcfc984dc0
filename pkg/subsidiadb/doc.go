// Package subsidiadb implements an embedded, multi-process, transactional
// key/value store whose storage engine is the host filesystem itself: every
// logical record is a file or directory under a root path, and concurrency
// control is implemented entirely with advisory file locks plus a handful of
// sidecar marker files. No daemon mediates access - any number of
// cooperating processes may open the same root concurrently and obtain
// serializable access to disjoint (or overlapping) paths.
//
// The hard engineering is the concurrency-control layer: a cross-process,
// deadlock-free, fair multi-reader/single-writer locking scheme over a
// hierarchical namespace ([Client.ReadFile], [Client.WriteFile] and
// friends), combined with a conservative two-phase-locking transaction
// protocol ([Client.Tx]) and a copy-on-write commit discipline
// ([Guard.OpenCoW], [Transaction.FileCoW], [Transaction.DirCoW]) that gives
// per-entry atomicity on crash.
//
// SubsidiaDB never interprets an entry's contents - it only ever hands out
// guarded paths for the caller to read and write with ordinary filesystem
// I/O. Durability beyond what the underlying filesystem provides, and
// atomic rollback across multiple unrelated paths, are explicitly out of
// scope.
package subsidiadb
