// Command migrate applies the embedded schema migrations to TETHER_DATABASE_URL.
package main

import (
	"flag"
	"fmt"
	"os"

	"tether/cmd/internal/app"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if err := app.RunMigrations(cfg.DatabaseURL, *direction); err != nil {
		log.Error("migrate.fail", "direction", *direction, "err", err)
		os.Exit(1)
	}
	log.Info("migrate.ok", "direction", *direction)
}
