// Package artifact implements the client side of the artifact store contract.
//
// Objects are addressed as {store}/artifacts/{locator}/{path}. GET returns
// content, PUT uploads content with a bearer credential and answers with
// {"locator": "..."}. The store is responsible for refusing traversal
// sequences, so the client never rewrites paths.
package artifact
