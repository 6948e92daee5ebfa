// Package wire implements the newline-delimited text protocol spoken by
// clients and between nodes.
//
// A request line is
//
//	[MODE] OPERATION KEY [VALUE]
//
// where OPERATION is GET, PUT or DELETE and MODE, sent only between nodes,
// is FORWARDED or REPLICATE. Tokens are separated by whitespace, so neither
// keys nor values may contain spaces.
//
// A leading FORWARDED or REPLICATE token is always taken as the mode, and the
// rest of the line is parsed as a client request. "REPLICATE GET" is therefore
// a GET without a key and answers "ERROR: Invalid request format", not
// "ERROR: Unsupported operation". A bare "GET" answers the same way.
//
// Modes are not authenticated. Any client that sends REPLICATE skips routing
// and reads or writes only the node it is connected to, and FORWARDED makes a
// non-primary answer with a misroute error. Nodes are expected to sit on a
// trusted network.
//
// Every status line the server produces contains a space. A response line
// without a space is therefore always a stored value, which is how
// ParseResponse tells a GET hit apart from a status.
package wire
