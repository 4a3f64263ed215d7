// Package validator rejects submissions that reference anything outside the
// allowed namespace before any process is spawned.
//
// Validation runs in three passes: a lexical scan for host-language import
// lines, a parse with the submission dialect, and a visitor over the syntax
// tree that flags forbidden categories (imports, dynamic evaluation,
// filesystem, process, network, unsafe deserialization, library attributes
// outside the enumerated surface). The resolver then reports every free name
// that the namespace Catalog does not define. The runner is the actual
// security boundary; the validator only turns obvious abuse into a readable
// rejection.
package validator
