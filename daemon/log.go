package daemon

import (
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/revault/miradord/bitcoind"
	"github.com/revault/miradord/plugins"
	"github.com/revault/miradord/revaulttx"
	"github.com/revault/miradord/vaultdb"
)

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it will write to the backend. The backend
// always writes to stdout (we're expected to be piped when daemonized), and
// additionally to a rotated log file once initLogRotator has run.
var (
	logWriter = &teeWriter{}

	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter)

	// logRotator is one of the logging outputs. It should be closed on
	// shutdown.
	logRotator *rotator.Rotator

	mirdLog = backendLog.Logger("MIRD")
	pollLog = backendLog.Logger("POLL")
	vtdbLog = backendLog.Logger("VTDB")
	btcdLog = backendLog.Logger("BTCD")
	plgnLog = backendLog.Logger("PLGN")
	rvtxLog = backendLog.Logger("RVTX")
)

// Initialize package-global logger variables.
func init() {
	vaultdb.UseLogger(vtdbLog)
	bitcoind.UseLogger(btcdLog)
	plugins.UseLogger(plgnLog)
	revaulttx.UseLogger(rvtxLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"MIRD": mirdLog,
	"POLL": pollLog,
	"VTDB": vtdbLog,
	"BTCD": btcdLog,
	"PLGN": plgnLog,
	"RVTX": rvtxLog,
}

// teeWriter duplicates the log stream to stdout and, once set, the rotator
// pipe.
type teeWriter struct {
	rotatorPipe *io.PipeWriter
}

// Write writes the provided log line to stdout and the log rotator if
// present.
func (w *teeWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)
	if w.rotatorPipe != nil {
		w.rotatorPipe.Write(b)
	}

	return len(b), nil
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxLogFileSize, maxLogFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return err
	}
	r, err := rotator.New(logFile, int64(maxLogFileSize*1024), false,
		maxLogFiles)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	logWriter.rotatorPipe = pw
	logRotator = r

	return nil
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level. Defaults to info if the level string is invalid.
func setLogLevels(logLevel string) {
	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}

// logClosure is used to provide a closure over expensive logging operations
// so they aren't performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
