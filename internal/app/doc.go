// Package app wires and runs the cyclerd HTTP server.
//
// # Initialization Flow
//
//	1. Load configuration (done by the caller, see config.Load)
//	2. Initialize logging and OpenTelemetry
//	3. Load the scale table and build the decode pipeline
//	4. Open the SQL store when remote.sql_dsn is set
//	5. Create the archive, store and health services
//	6. Build the router and the HTTP server
//
// # Usage
//
//	cfg, err := config.Load(path)
//	...
//	application, err := app.NewApplication(ctx, cfg, nil)
//	...
//	if err := application.Run(); err != nil {
//	    ...
//	}
//
// Run serves until SIGINT or SIGTERM, then shuts the server down within
// server.shutdown_timeout and closes the store, the telemetry providers
// and the log file.
package app
