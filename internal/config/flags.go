package config

import "github.com/spf13/pflag"

// RegisterFlags defines command line overrides for the most commonly
// tuned keys. Defaults mirror DefaultConfig so --help shows them.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.Int("server.port", d.Server.Port, "HTTP listen port")
	fs.Int("server.grpc_port", d.Server.GRPCPort, "gRPC health port, 0 disables it")
	fs.String("logging.level", d.Logging.Level, "log level: debug, info, warn or error")
	fs.String("logging.format", d.Logging.Format, "log format: json or console")
	fs.String("database.type", d.Database.Type, "reading store: sqlite or memory")
	fs.String("database.sqlite_path", d.Database.SQLitePath, "SQLite database file")
	fs.String("tracing.endpoint", d.Tracing.Endpoint, "OTLP collector endpoint, empty disables tracing")
	fs.Bool("audit.enabled", d.Audit.Enabled, "write the audit journal")
}
