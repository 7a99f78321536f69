// Package config loads the daemon configuration from command-line flags.
package config

import (
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/overmesh/overmesh/network/address"
	"github.com/pkg/errors"
)

const (
	defaultLogDirname     = "logs"
	defaultLogFilename    = "overmesh.log"
	defaultErrLogFilename = "overmesh_err.log"
	defaultLogLevel       = "info"
	defaultListenAddress  = "0.0.0.0:17111"
)

// Flags defines the configuration options of the daemon.
type Flags struct {
	ShowVersion bool     `short:"V" long:"version" description:"Display version information and exit"`
	Listen      string   `long:"listen" description:"Interface/port to listen on for inbound edges"`
	NoListen    bool     `long:"nolisten" description:"Disable listening for inbound edges"`
	ConnectTo   []string `long:"connect" description:"Address of a peer to connect to at startup (scheme://endpoint); may be given multiple times"`
	Proxy       string   `long:"proxy" description:"Connect through a SOCKS5 proxy (host:port)"`
	LogDir      string   `long:"logdir" description:"Directory to log output"`
	LogLevel    string   `short:"d" long:"loglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
}

// Config is the validated daemon configuration.
type Config struct {
	*Flags

	// ConnectAddresses are the parsed --connect peers.
	ConnectAddresses []address.Address
}

func defaultFlags() *Flags {
	return &Flags{
		Listen:   defaultListenAddress,
		LogDir:   defaultLogDirname,
		LogLevel: defaultLogLevel,
	}
}

// LoadConfig parses the command line, validates the result, and returns the
// configuration.
func LoadConfig() (*Config, error) {
	cfgFlags := defaultFlags()
	parser := flags.NewParser(cfgFlags, flags.HelpFlag)
	_, err := parser.Parse()
	if err != nil {
		return nil, err
	}

	cfg := &Config{Flags: cfgFlags}

	if cfg.NoListen {
		cfg.Listen = ""
	}

	for _, connect := range cfg.ConnectTo {
		addr, err := address.Parse(connect)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid --connect value '%s'", connect)
		}
		cfg.ConnectAddresses = append(cfg.ConnectAddresses, addr)
	}

	return cfg, nil
}

// LogFile returns the path of the main log file.
func (cfg *Config) LogFile() string {
	return filepath.Join(cfg.LogDir, defaultLogFilename)
}

// ErrLogFile returns the path of the error log file.
func (cfg *Config) ErrLogFile() string {
	return filepath.Join(cfg.LogDir, defaultErrLogFilename)
}

// PrintUsageError prints a go-flags parse error the way the flags package
// expects it to be surfaced.
func PrintUsageError(err error) {
	if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
		os.Stdout.WriteString(flagsErr.Message + "\n")
		return
	}
	os.Stderr.WriteString(err.Error() + "\n")
}
