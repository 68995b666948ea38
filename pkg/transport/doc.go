/*
Package transport implements the websocket endpoint agents connect to.

Each accepted connection registers with the connection manager as the
host's single live connection and stays up until the socket dies or a
newer connection supersedes it. A read pump and a write pump own the two
directions of the socket: the read pump decodes JSON envelopes and hands
them to the manager, the write pump serializes queued envelopes and the
keepalive pings. Inbound traffic is rate limited per connection.
*/
package transport
