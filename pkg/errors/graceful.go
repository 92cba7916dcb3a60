// Package errors reports fatal probe failures and maps them to process exit
// codes.
package errors

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Exit codes returned by the probe.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitConfig   = 2
	ExitConnect  = 3
	ExitExchange = 4
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler records the first fatal error and the exit code it maps to.
// Later errors are still logged but do not change the code.
type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return NewErrorHandlerWithOutput(os.Stderr)
}

func NewErrorHandlerWithOutput(w io.Writer) *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(w, "[ERROR] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) record(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.logger.Printf("FATAL: %v", NewGracefulError(operation, err))
	eh.record(ExitFailure)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}
	eh.record(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)
	eh.record(ExitConfig)
}

// ConnectError reports a failure to establish the session.
func (eh *ErrorHandler) ConnectError(host string, err error) {
	eh.logger.Printf("ERROR: cannot connect to %s: %v", host, err)
	eh.record(ExitConnect)
}

// ExchangeError reports a command that failed or was rejected.
func (eh *ErrorHandler) ExchangeError(command string, err error) {
	eh.logger.Printf("ERROR: %s failed: %v", command, err)
	eh.record(ExitExchange)
}

// ExitCode returns the recorded code, or ExitOK when nothing failed. It
// never blocks.
func (eh *ErrorHandler) ExitCode() int {
	select {
	case code := <-eh.exitChannel:
		eh.exitChannel <- code
		return code
	default:
		return ExitOK
	}
}
