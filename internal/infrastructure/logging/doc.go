// Package logging builds the daemon's zap logger.
//
// One Logger is shared by the engine, the websocket transport and the
// http api; records carry bus, connection and session fields. Two
// record shapes exist: production json with nanosecond timestamps, and
// a colored console form for interactive runs. NewNop returns a
// discarding logger for tests and for callers constructed without one.
//
//	log, err := logging.New(logging.DefaultConfig())
//	log.Info("bus created", zap.String("bus", "1000-system"))
package logging
