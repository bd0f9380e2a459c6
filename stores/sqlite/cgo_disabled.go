//go:build !cgo

package sqlite

// CGOEnabled is false when the binary cannot open sqlite documents.
// go-sqlite3 needs cgo, so tests skip in this build.
const CGOEnabled = false
