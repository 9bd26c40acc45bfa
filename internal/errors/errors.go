package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConnection represents database connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeSQL represents SQL execution errors
	ErrorTypeSQL ErrorType = "sql"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents user interruption
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeFileSystem represents disk and path errors
	ErrorTypeFileSystem ErrorType = "filesystem"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	appErr := NewAppError(errorType, message, cause)
	appErr.Recoverable = true
	return appErr
}

// ErrorClassifier maps driver, network and filesystem errors onto ErrorType
// categories so callers can report them uniformly.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if mysqlErr := ec.classifyMySQLError(err); mysqlErr != nil {
		return mysqlErr
	}

	if pgErr := ec.classifyPostgresError(err); pgErr != nil {
		return pgErr
	}

	if sqlErr := ec.classifySQLError(err); sqlErr != nil {
		return sqlErr
	}

	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}

	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

func (ec *ErrorClassifier) classifyMySQLError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return nil
	}

	switch mysqlErr.Number {
	case 1045: // Access denied
		return NewAppError(ErrorTypePermission,
			"Database access denied - check username and password", err).
			WithContext("mysql_error_code", mysqlErr.Number)
	case 1049: // Unknown database
		return NewAppError(ErrorTypeValidation,
			"Database does not exist", err).
			WithContext("mysql_error_code", mysqlErr.Number)
	case 1146: // Table doesn't exist
		return NewAppError(ErrorTypeSQL,
			"Table does not exist", err).
			WithContext("mysql_error_code", mysqlErr.Number)
	case 2003, 2006:
		return NewRecoverableError(ErrorTypeConnection,
			"Cannot reach MySQL server", err).
			WithContext("mysql_error_code", mysqlErr.Number)
	default:
		return NewAppError(ErrorTypeSQL,
			fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
			WithContext("mysql_error_code", mysqlErr.Number)
	}
}

func (ec *ErrorClassifier) classifyPostgresError(err error) *AppError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}

	switch pgErr.Code {
	case "28P01", "28000":
		return NewAppError(ErrorTypePermission,
			"Database authentication failed - check username and password", err).
			WithContext("sqlstate", pgErr.Code)
	case "3D000":
		return NewAppError(ErrorTypeValidation,
			"Database does not exist", err).
			WithContext("sqlstate", pgErr.Code)
	case "42P01":
		return NewAppError(ErrorTypeSQL,
			"Table does not exist", err).
			WithContext("sqlstate", pgErr.Code)
	case "57P01", "08006", "08001":
		return NewRecoverableError(ErrorTypeConnection,
			"Cannot reach PostgreSQL server", err).
			WithContext("sqlstate", pgErr.Code)
	default:
		return NewAppError(ErrorTypeSQL,
			fmt.Sprintf("PostgreSQL error: %s", pgErr.Message), err).
			WithContext("sqlstate", pgErr.Code)
	}
}

func (ec *ErrorClassifier) classifySQLError(err error) *AppError {
	if errors.Is(err, sql.ErrNoRows) {
		return NewAppError(ErrorTypeValidation, "No rows found", err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return NewRecoverableError(ErrorTypeConnection, "Database connection is closed", err)
	}
	return nil
}

func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection,
				"Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeConnection,
				"Network I/O error", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err)
	}

	return nil
}

func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout, "Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err)
	}
	return nil
}

func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		return nil
	}

	switch {
	case errors.Is(pathErr.Err, syscall.ENOENT):
		return NewAppError(ErrorTypeFileSystem,
			fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
	case errors.Is(pathErr.Err, syscall.EACCES):
		return NewAppError(ErrorTypePermission,
			fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
	case errors.Is(pathErr.Err, syscall.ENOSPC):
		return NewAppError(ErrorTypeFileSystem, "No space left on device", err)
	}

	return nil
}

// GracefulShutdownHandler handles graceful shutdown on interruption signals
type GracefulShutdownHandler struct {
	mu            sync.Mutex
	shutdownFuncs []func() error
	signalChan    chan os.Signal
	done          chan struct{}
	once          sync.Once
}

// NewGracefulShutdownHandler creates a new graceful shutdown handler
func NewGracefulShutdownHandler() *GracefulShutdownHandler {
	return &GracefulShutdownHandler{
		signalChan: make(chan os.Signal, 1),
		done:       make(chan struct{}),
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown.
// Functions run in reverse registration order.
func (gsh *GracefulShutdownHandler) RegisterShutdownFunc(fn func() error) {
	gsh.mu.Lock()
	defer gsh.mu.Unlock()
	gsh.shutdownFuncs = append(gsh.shutdownFuncs, fn)
}

// Start starts listening for shutdown signals
func (gsh *GracefulShutdownHandler) Start() {
	signal.Notify(gsh.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if _, ok := <-gsh.signalChan; ok {
			gsh.Shutdown()
		}
	}()
}

// Stop stops listening for signals without running the shutdown functions
func (gsh *GracefulShutdownHandler) Stop() {
	signal.Stop(gsh.signalChan)
	close(gsh.signalChan)
}

// Shutdown runs every registered function once. Safe to call more than once.
func (gsh *GracefulShutdownHandler) Shutdown() {
	gsh.once.Do(func() {
		defer close(gsh.done)

		gsh.mu.Lock()
		funcs := append([]func() error(nil), gsh.shutdownFuncs...)
		gsh.mu.Unlock()

		for i := len(funcs) - 1; i >= 0; i-- {
			if err := funcs[i](); err != nil {
				fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			}
		}
	})
}

// WaitForShutdown blocks until shutdown has completed
func (gsh *GracefulShutdownHandler) WaitForShutdown() {
	<-gsh.done
}

// Done returns a channel closed when shutdown has completed
func (gsh *GracefulShutdownHandler) Done() <-chan struct{} {
	return gsh.done
}

// CreateContextWithTimeout creates a context with timeout and cancellation support
func CreateContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GetUserMessage()
	}

	return err.Error()
}
