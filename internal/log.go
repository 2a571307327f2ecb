package internal

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/grasevski/amqpcli/logger"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"

	colorBoldRed = "\033[1;31m"
)

// Flag to determine if we're logging to a terminal (with colors) or a file
var IsTerminal bool

func init() {
	// Check if stdout is a terminal
	fileInfo, _ := os.Stdout.Stat()
	IsTerminal = (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// colorize adds ANSI color to a string if the output is a terminal
func colorize(s string, color string) string {
	if IsTerminal {
		return fmt.Sprintf("%s%s%s", color, s, colorReset)
	}
	return s
}

// Get caller function name for logging
func getCallerName() string {
	pc, _, _, _ := runtime.Caller(2) // Use depth 2 to get the actual caller, not the logging function
	caller := runtime.FuncForPC(pc).Name()
	parts := strings.Split(caller, ".")
	return parts[len(parts)-1]
}

// Fatal logs a message with Fatal level and exits with code 1
func (c *connection) Fatal(format string, args ...interface{}) {
	// If using a custom logger, delegate to it
	if c.customLogger != nil && c.customLogger != c {
		c.customLogger.Fatal(format, args...)
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[FATAL]%s %s%s%s: ", colorBoldRed, colorReset, colorCyan, funcName, colorReset)
		c.internalLogger.Printf(prefix+format, args...)
	} else {
		c.internalLogger.Printf("[FATAL] %s: "+format, append([]interface{}{funcName}, args...)...)
	}

	os.Exit(1) // Exit with error code 1
}

// Err logs a message with Error level
func (c *connection) Err(format string, args ...interface{}) {
	// If using a custom logger, delegate to it
	if c.customLogger != nil && c.customLogger != c {
		c.customLogger.Err(format, args...)
		return
	}
	if c.disableLogging {
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[ERROR]%s %s%s%s: ", colorBoldRed, colorReset, colorCyan, funcName, colorReset)
		c.internalLogger.Printf(prefix+format, args...)
	} else {
		c.internalLogger.Printf("[ERROR] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

// Warn logs a message with Warning level
func (c *connection) Warn(format string, args ...interface{}) {
	// If using a custom logger, delegate to it
	if c.customLogger != nil && c.customLogger != c {
		c.customLogger.Warn(format, args...)
		return
	}
	if c.disableLogging {
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[WARN]%s %s%s%s: ", colorYellow, colorReset, colorCyan, funcName, colorReset)
		c.internalLogger.Printf(prefix+format, args...)
	} else {
		c.internalLogger.Printf("[WARN] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

// Info logs a message with Info level
func (c *connection) Info(format string, args ...interface{}) {
	// If using a custom logger, delegate to it
	if c.customLogger != nil && c.customLogger != c {
		c.customLogger.Info(format, args...)
		return
	}
	if c.disableLogging {
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[INFO]%s %s%s%s: ", colorGreen, colorReset, colorCyan, funcName, colorReset)
		c.internalLogger.Printf(prefix+format, args...)
	} else {
		c.internalLogger.Printf("[INFO] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

// Debug logs a message with Debug level
func (c *connection) Debug(format string, args ...interface{}) {
	// If using a custom logger, delegate to it
	if c.customLogger != nil && c.customLogger != c {
		c.customLogger.Debug(format, args...)
		return
	}
	if c.disableLogging {
		return
	}

	// Only log debug messages if AMQP_DEBUG environment variable is set
	if os.Getenv("AMQP_DEBUG") != "1" {
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[DEBUG]%s %s%s%s: ", colorPurple, colorReset, colorCyan, funcName, colorReset)
		c.internalLogger.Printf(prefix+format, args...)
	} else {
		c.internalLogger.Printf("[DEBUG] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

// Logger returns the custom logger if one was provided, otherwise the
// connection itself, which implements the Logger interface.
func (c *connection) Logger() logger.Logger {
	if c.customLogger != nil {
		return c.customLogger
	}
	return c
}
