package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/teambrain/memorybridge/config"
	"github.com/teambrain/memorybridge/scope"
)

// runConfigure writes the config file. Every setting can be given as a flag
// for scripted setup; anything missing is prompted for, with the current
// configuration as the default.
func runConfigure(args []string) error {
	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	agent := fs.String("agent", "", "agent identity to persist")
	db := fs.String("db", "", "database path to persist")
	level := fs.String("log-level", "", "log level to persist (debug, info, warn, error)")
	fs.Parse(args)

	existing, err := config.Load()
	if err != nil {
		return err
	}

	cfg := &config.Config{
		Agent:    *agent,
		DBPath:   *db,
		LogLevel: *level,
	}

	reader := bufio.NewReader(os.Stdin)
	if cfg.Agent == "" {
		cfg.Agent = promptString(reader, "Agent name", existing.Agent)
	}
	if cfg.DBPath == "" {
		def := existing.DBPath
		if def == "" {
			def = config.DefaultDBPath()
		}
		cfg.DBPath = promptString(reader, "Database path", def)
	}
	if cfg.LogLevel == "" {
		def := existing.LogLevel
		if def == "" {
			def = "info"
		}
		cfg.LogLevel = promptString(reader, "Log level", def)
	}

	cfg.Agent = strings.ToUpper(strings.TrimSpace(cfg.Agent))
	if err := scope.ValidateOwner(cfg.Agent); err != nil {
		return err
	}

	if err := config.Save(cfg); err != nil {
		return err
	}
	fmt.Printf("configuration saved to %s\n", config.FilePath())
	fmt.Printf("agent %s will share %s\n", cfg.Agent, cfg.DBPath)
	return nil
}

// promptString asks for a string input with a default value.
func promptString(reader *bufio.Reader, prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Printf("  %s: ", prompt)
	}

	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultVal
	}
	return line
}
