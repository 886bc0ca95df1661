package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
)

// setupLogging sends logs to a file only; the terminal belongs to the UI.
func setupLogging(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	logrus.SetOutput(f)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	logrus.SetLevel(logrus.DebugLevel)
	return f, nil
}

func main() {
	configFile := flag.String("config", "client.yaml", "Path to configuration file")
	flag.Parse()

	config := NewConfig(*configFile)
	configErr := config.Load()

	f, err := setupLogging(config.LogFile)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer f.Close()

	log := logrus.WithField("app", "client")
	if configErr != nil {
		log.WithError(configErr).Warn("error loading config")
	}

	net := NewNetwork(config.RequestTimeout, log)
	defer net.Close()

	p := tea.NewProgram(initialModel(config, net, log), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
