/*
main.go - Application entry point

PURPOSE:
  Starts the clinic booking and billing engine. Commands are defined with
  cobra; configuration comes from config.Load (defaults, config.yaml,
  CLINIC_* environment variables).

COMMANDS:
  serve     Run the HTTP API (default command in deployments)
  migrate   Create or update the SQLite schema and exit
  seed      Upsert a service catalog (JSON) into the database

GLOBAL FLAGS:
  --config  Path to a YAML config file (default: ./config.yaml if present)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  CLINIC_DATABASE_PATH=./data/clinic.db clinic-server serve

  # Run with in-memory database and readable logs
  CLINIC_DATABASE_PATH=":memory:" CLINIC_LOGGING_FORMAT=console clinic-server serve

  # Load prices from a catalog file
  clinic-server seed --catalog ./catalog.json

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings and environment variables
  - store/sqlite/sqlite.go: Database implementation
*/
package main

func main() {
	Execute()
}
