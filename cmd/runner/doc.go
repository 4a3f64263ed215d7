// Package main is the databox runner, the process started inside the
// isolation boundary for every execution.
//
// It speaks length-prefixed CBOR frames on stdin and stdout and writes logs
// to stderr. It is not meant to be run by hand.
package main
