// Package protocol implements the stream-json wire protocol spoken over the
// agent process's stdin/stdout: one JSON object per line in both directions.
//
// Parsing is a pure translation layer. Unknown message types and unknown
// delta types map to nil so the read loop can skip them; malformed JSON is
// reported as an error for the caller to skip. No state is kept between
// lines; accumulating partial tool input across deltas is the caller's job.
package protocol
