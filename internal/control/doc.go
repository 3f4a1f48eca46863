// Package control serves the daemon's local HTTP control surface.
//
// The hook client submits jobs and asks which operations apply to a file;
// UIs list jobs, cancel or remove them, and follow lifecycle events on
// /events as newline-delimited JSON.
//
// The server binds to loopback by default. A non-loopback address is refused
// unless a bearer token is set or AllowInsecure is true.
package control
