// Package config loads the relay's runtime settings and builds its logger.
//
// Settings come from three layers, each overriding the previous one:
//   - a .env file in the working directory, when present
//   - process environment variables (HOST, PORT, TRANSPORT_URL, ...)
//   - command-line flags (-host, -port, -transport-url, ...)
//
// When TRANSPORT_URL is unset the relay forwards to its own mock transport
// endpoint, and the mock reports back to the relay's delivery endpoint, so a
// single process runs the whole round trip.
package config
