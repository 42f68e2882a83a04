// Package shared holds helpers used across packages that belong to no
// single layer.
//
// The testutil subpackage provides:
//
//   - CaptureHandler, a slog handler keeping records in memory, attributes
//     added with Logger.With and WithGroup included
//   - assertions on captured level, message and attributes
//
// Example usage:
//
//	func TestDecode(t *testing.T) {
//	    logger, logs := testutil.NewTestLogger(t)
//	    p := pipeline.New(pipeline.Options{Logger: logger})
//	    ...
//	    testutil.AssertNoErrors(t, logs)
//	}
package shared
