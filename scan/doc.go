// Package scan implements the gate that certifies file content before it
// is uploaded, and the agent that answers those requests.
//
// The Gate is the client side: for every upload it opens a fresh TCP
// connection to the agent, streams one request and reads one verdict.
// Anything that goes wrong on the way (the agent is down, the connection
// drops, the verdict is malformed) yields a ScanError verdict, so content
// that was not positively certified is never treated as clean.
//
// The Agent is the server side: it stores each request's content in a
// private temporary file, hands the file to a Decider and writes the
// verdict back. Clamscan is a Decider that runs the clamscan executable.
//
// # Wire format
//
// All integers are big-endian.
//
//	request:  nameLen uint32 | name [nameLen]byte | fileLen uint64 | content [fileLen]byte
//	response: status uint8   | detailLen uint32   | detail [detailLen]byte
//
// Status is 0x00 (clean), 0x01 (infected) or 0x02 (scan error). Names are
// limited to MaxNameLength bytes and details to MaxDetailLength bytes.
package scan
