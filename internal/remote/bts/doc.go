// Package bts is a read-only client for the Neware BTS XML-over-TCP
// protocol and a RecordSource over its download command.
//
// Every request is an XML document terminated by "\n\n#\r\n"; replies use
// the same framing. Channels are addressed by "devid-subdevid-chlid" keys
// taken from the server's getdevinfo map.
package bts
