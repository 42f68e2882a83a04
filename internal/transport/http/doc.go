// Package http implements the read-only JSON API over decoded cycler data.
// Handlers stay thin: they validate path and query parameters, call the
// services package and render the result or an RFC 7807 problem.
//
// Routes:
//
//	GET /api/health, /api/health/ready, /api/health/live, /api/version
//	GET /api/v1/archives
//	GET /api/v1/archives/{name}
//	GET /api/v1/archives/{name}/workbook
//	GET /api/v1/archives/{name}/channels/{channel}
//	GET /api/v1/archives/{name}/channels/{channel}/runs/{test}?format=json|csv|xlsx
//	GET /api/v1/tests
//	GET /api/v1/tests/{test}/channels/{channel}?from=&to=&format=json|csv|xlsx
//	GET /metrics
//
// A channel that failed to decode is reported inside the archive and
// channel summaries with its error type. Requesting a run from such a
// channel answers with the problem mapped from the decode error, e.g. 422
// for a sequence gap.
package http
