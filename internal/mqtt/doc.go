// Package mqtt runs the device's broker session: connect, publish, and
// a once-per-cycle Loop that keeps the session in step with the
// wireless link.
//
// A [Session] uses Eclipse Paho v2's [autopaho] package for the
// connection itself. autopaho owns the socket, the keepalive pinger
// and reconnects while the link stays up. The session sits on top and
// enforces one rule autopaho cannot know about: a broker connection is
// only valid while the network is attached. When the link drops the
// connection handle is released, and Loop builds a fresh one once the
// link is back.
//
// On every (re)connect the session publishes a retained "online" birth
// message to <prefix>/status. A will message flips the same topic to
// "offline" when the device disappears without a clean Close.
//
// When the configured broker is "mdns" the session browses for an
// _mqtt._tcp service on the local network at connect time.
package mqtt
