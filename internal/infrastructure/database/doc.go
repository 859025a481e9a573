// Package database opens the coordinator's SQLite file and applies its
// embedded schema migrations.
//
// Two stores share the handle: snapshot history (package device) and the
// command audit log (package audit). The pool holds one connection since
// SQLite serialises writers; WAL mode lets history reads proceed during
// bridge writes.
//
// Migrations live in the top-level migrations package as
// YYYYMMDD_HHMMSS_name.up.sql / .down.sql pairs and are applied in version
// order, one transaction each. Added columns must be nullable or carry a
// default.
package database
