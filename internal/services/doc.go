// Package services sits between the HTTP handlers and the decoding
// pipeline. ArchiveService decodes archives from the archive directory and
// caches the results, StoreService assembles tests read from the SQL data
// store, and HealthService backs the health endpoints.
//
// Services return the sentinel errors in errors.go for missing archives,
// channels and runs; decode failures keep their typed errors so the HTTP
// layer can render them as problem details.
package services
