package main

import (
	"log/slog"
	"os"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "cycler-can")
	logging.Set(l)
	return l
}
