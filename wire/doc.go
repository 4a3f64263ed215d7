// Package wire defines the protocol between the server and a runner child.
//
// The parent writes one job frame on the child's stdin. While the job runs
// the child may write call frames on its stdout and wait for the matching
// reply frame on stdin; this is how helper functions reach the artifact
// store without the child having network access or the credential. The
// child's final frame is a result.
//
// A frame is a 4-byte big-endian length followed by a CBOR-encoded
// Envelope using Core Deterministic Encoding. Readers refuse frames above
// a configured size before allocating for them.
package wire
