/*
Package log provides structured logging for the engine built on zerolog.

All subsystems obtain a child logger via WithComponent and attach contextual
fields (flow_id, consumer_id, version) as they work. Output is either
human-readable console format or JSON, selected at Init time.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("txn")
	logger.Info().Uint64("version", v).Msg("commit applied")
*/
package log
