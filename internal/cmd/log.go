package cmd

import (
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/ardnew/softhcd/pkg"
)

// LogConfig selects the driver log level and output format.
type LogConfig struct {
	Level  string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"SOFTHCD_LOG_LEVEL"`
	Format string `help:"Log format; auto picks text on a terminal and json otherwise" enum:"auto,text,json" default:"auto" env:"SOFTHCD_LOG_FORMAT"`
}

// Setup configures package logging to write to f and returns the logger.
func (l LogConfig) Setup(f *os.File) *slog.Logger {
	pkg.SetLogLevel(pkg.ParseLogLevel(l.Level))
	pkg.SetLogOutput(f)
	pkg.SetLogFormat(resolveFormat(l.Format, term.IsTerminal(int(f.Fd()))))
	return pkg.Logger()
}

func resolveFormat(format string, tty bool) pkg.LogFormat {
	switch format {
	case "json":
		return pkg.LogFormatJSON
	case "text":
		return pkg.LogFormatText
	default:
		if tty {
			return pkg.LogFormatText
		}
		return pkg.LogFormatJSON
	}
}
