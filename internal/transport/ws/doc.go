// Package ws serves the bus command surface over websocket sessions.
//
// One session drives exactly one bus connection: the first command must
// be hello, which attaches the connection, and closing the socket
// disconnects it. Commands and replies are JSON envelopes processed in
// order, so a synchronous send blocks the session until its reply
// arrives. Each session carries its own command rate limiter.
package ws
