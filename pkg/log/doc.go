/*
Package log provides structured logging built on zerolog.

Init(cfg) configures the package-level Logger once at process startup
(JSON or console output, level from Config.Level). Callers derive scoped
child loggers with WithComponent, WithStore, WithTxn, and WithOID rather
than threading a *zerolog.Logger through every call:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	flushLog := log.WithComponent("flusher")
	flushLog.Info().Str("tid", tid.String()).Msg("flush batch complete")

Package-level Info/Debug/Warn/Error/Errorf/Fatal wrap the global Logger
for call sites that don't need a scoped child.
*/
package log
