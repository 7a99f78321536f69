/*
Overmesh is an overlay networking daemon. It maintains a deduplicated set of
logical connections to remote peers over pluggable transports, performing a
two-sided peer ID handshake on every new edge and tearing connections down
gracefully on either side's request.

Usage:

	overmesh [--listen iface:port] [--connect scheme://endpoint ...] [--proxy host:port]
*/
package main
