// Package log defines the structured logging facade for the library.
//
// The facade keeps subpackages decoupled from any concrete logging backend;
// the sibling zap package provides the production implementation. Loggers
// are optional everywhere: passing nil yields a no-op logger.
package log
