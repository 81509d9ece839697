// Package sshpool maintains pools of live SSH connections per target host.
//
// The central types are Conn, Pool and Registry. A Conn is one authenticated
// session to a host. A Pool bounds and reuses Conns for a single host identity
// (address, port, username), probing idle connections before lending them and
// replacing dead ones. A Registry creates pools lazily, exactly once per
// identity, and is the only state shared across hosts.
//
// Connection-level failures are reported as *AuthError or *ConnectError and
// the failed connection is discarded; the next Acquire opens a fresh one.
// Commands are never retried at this layer.
package sshpool
