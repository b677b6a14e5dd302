package config

import "github.com/alecthomas/kong"

// Cli holds command line args, flags and cmds
type Cli struct {
	Version kong.VersionFlag

	Verbose    bool   `kong:"name=verbose,short=v,default=false,help='Shortcut for --log-level=debug.'"`
	LogLevel   string `kong:"name=log-level,env=LOG_LEVEL,default=warn,help='Set log level.'"`
	LogJSON    bool   `kong:"name=log-json,env=LOG_JSON,default=false,help='Enable JSON logging output.'"`
	LogCaller  bool   `kong:"name=log-caller,env=LOG_CALLER,default=false,help='Add file:line of the caller to log output.'"`
	LogNoColor bool   `kong:"name=log-nocolor,env=LOG_NOCOLOR,default=false,help='Disable colorized output.'"`

	Output string `kong:"name=output,short=o,type=path,help='Write hash records to a file instead of stdout.'"`
	Jobs   int    `kong:"name=jobs,default=1,help='Number of archives processed in parallel.'"`

	Archives []string `kong:"arg,required,name=archive,help='RAR archives to inspect.'"`
}

// Meta holds application details
type Meta struct {
	ID      string
	Name    string
	Desc    string
	URL     string
	Author  string
	Version string
}
