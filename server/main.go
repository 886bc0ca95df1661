package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/puyokura/cmppaccount/model"
	"github.com/sirupsen/logrus"
)

func setupLogging(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	logrus.SetOutput(io.MultiWriter(os.Stdout, logFile))
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logFile, nil
}

func newMux(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "Account manager development server. Connect the client to /ws.")
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	})
	return mux
}

func main() {
	configFile := flag.String("config", "server.yaml", "Path to configuration file")
	flag.Parse()

	config := NewConfig(*configFile)
	configErr := config.Load()

	logFile, err := setupLogging(config.LogFile)
	if err != nil {
		fmt.Printf("Failed to setup logging: %v\n", err)
		return
	}
	defer logFile.Close()

	log := logrus.WithField("service", model.Component)
	if configErr != nil {
		log.WithError(configErr).Warn("error loading config")
	}

	store := NewStore(config.UsersFile, config.EnrollmentsFile)
	if err := store.Load(); err != nil {
		log.WithError(err).Warn("error loading store")
	}

	hub := NewHub(store, config, log)
	go hub.Run()

	serverAddr := fmt.Sprintf("%s:%s", config.Host, config.Port)
	server := &http.Server{Addr: serverAddr, Handler: newMux(hub)}

	go func() {
		log.Infof("server started on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("ListenAndServe")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-stop
		fmt.Println("\nShutting down server...")
		server.Close()
		os.Exit(0)
	}()

	console(hub, os.Stdin, os.Stdout)
	server.Close()
}

// console runs operator commands until "stop" or end of input.
func console(hub *Hub, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "Server console ready. Type 'help' for commands.")
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "help":
			fmt.Fprintln(out, "Available commands: open, close, users, clients, enrollments, accept <username>, invite <client-id>, stop")
		case "stop":
			fmt.Fprintln(out, "Stopping server...")
			return
		case "open", "close":
			open := cmd == "open"
			if err := hub.config.SetRegistration(open); err != nil {
				fmt.Fprintln(out, "Error saving config:", err)
				continue
			}
			msg, err := model.NewActionMessage(model.Component, model.ActionStatus, open)
			if err != nil {
				fmt.Fprintln(out, "Error building status:", err)
				continue
			}
			hub.Broadcast(msg)
			fmt.Fprintf(out, "Registration open: %v\n", open)
		case "users":
			for _, name := range hub.store.Usernames() {
				fmt.Fprintln(out, name)
			}
		case "clients":
			for _, info := range hub.Clients() {
				fmt.Fprintf(out, "%s %s\n", info.ID, info.Username)
			}
		case "enrollments":
			for _, e := range hub.store.OpenEnrollments() {
				fmt.Fprintf(out, "%s <%s> %s\n", e.Username, e.Mail, e.Timestamp.Format("2006-01-02 15:04"))
			}
		case "accept":
			if len(args) != 1 {
				fmt.Fprintln(out, "Usage: accept <username>")
				continue
			}
			if _, err := hub.store.AcceptEnrollment(args[0]); err != nil {
				fmt.Fprintln(out, "Error accepting:", err)
			} else {
				fmt.Fprintln(out, "Enrollment accepted.")
			}
		case "invite":
			if len(args) != 1 {
				fmt.Fprintln(out, "Usage: invite <client-id>")
				continue
			}
			msg, err := model.NewActionMessage(model.Component, model.ActionInvite, []bool{true})
			if err != nil {
				fmt.Fprintln(out, "Error building invitation:", err)
				continue
			}
			if hub.PushTo(args[0], msg) {
				fmt.Fprintln(out, "Invitation sent.")
			} else {
				fmt.Fprintln(out, "Client not found.")
			}
		default:
			fmt.Fprintln(out, "Unknown command.")
		}
	}
}
