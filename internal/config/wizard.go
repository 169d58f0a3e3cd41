package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Policy Gate Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Agent passport
	fmt.Println("Agent Passport:")
	fmt.Println()

	for {
		fmt.Printf("Agent passport id [%s]: ", cfg.Aport.AgentID)
		id, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if id == "" {
			break
		}

		if err := validator.ValidateAgentID(id); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Aport.AgentID = id
		break
	}

	fmt.Println()

	// Verification service
	fmt.Println("Verification Service:")
	fmt.Println()

	for {
		fmt.Printf("APort base URL [%s]: ", cfg.Aport.BaseURL)
		baseURL, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if baseURL == "" {
			break
		}

		if err := validator.ValidateBaseURL(baseURL); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Aport.BaseURL = baseURL
		break
	}

	fmt.Println()

	// Audit log
	fmt.Print("Record policy decisions to an audit log? (y/n) [y]: ")
	enable, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if enable == "" || strings.ToLower(enable) == "y" {
		cfg.Audit.Enabled = true

		fmt.Print("Audit database path (press Enter for default): ")
		path, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if path != "" {
			cfg.Audit.Path = path
		}
	} else {
		cfg.Audit.Enabled = false
	}

	fmt.Println()

	// Log Level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
