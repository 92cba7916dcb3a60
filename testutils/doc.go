// Package testutils provides testing utilities shared by the imapsession
// test suites.
//
// Key components:
//   - IMAPServer: an implicit-TLS loopback listener with a throwaway
//     self-signed certificate for a chosen hostname
//   - Scripted: a handler that sends a greeting and answers commands
//   - StaticResolver: a fixed hostname table satisfying client.Resolver
//
// Example usage:
//
//	srv := testutils.NewIMAPServer(t, "imap.example.test", testutils.Scripted(
//		"* OK Service Ready",
//		func(tag, command string) []string {
//			return []string{tag + " OK " + command + " completed"}
//		},
//	))
//	est := &client.Establisher{Port: srv.Port, Resolver: srv.Resolver(), TLSConfig: srv.TLSConfig()}
package testutils
