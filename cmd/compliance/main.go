/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the compliance engine: the HTTP server plus a few
  offline helpers for operators.

COMMANDS:
  serve      Run the HTTP API and the accrual scheduler
  classify   Classify emissions figures without touching any store
  tasklist   Print the task list a role sees for an outcome
  calendar   Validate and print a reporting calendar

STARTUP SEQUENCE (serve):
  1. Load .env, then configuration from the environment
  2. Configure logging
  3. Open the store (SQLite file, or in-memory with COMPLIANCE_DB=memory)
  4. Wire the lineage lock and external collaborators
  5. Start the accrual scheduler and the HTTP server
  6. Shut down gracefully on SIGINT/SIGTERM

ENVIRONMENT:
  See config/config.go for the full list. The most used:
  COMPLIANCE_PORT, COMPLIANCE_DB, COMPLIANCE_CALENDAR_FILE,
  COMPLIANCE_LOCK_BACKEND, REDIS_ADDR, LOG_LEVEL

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment variables
*/
package main

func main() {
	Execute()
}
