// Package transport abstracts the messaging network client.
//
// The session manager consumes Client/Dialer and never touches the wire
// protocol. The real implementation lives in the whatsapp subpackage; a fake
// pairs instantly for development and tests.
package transport
