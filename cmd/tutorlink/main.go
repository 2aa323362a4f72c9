package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/tutorlink/tui/internal/app"
	"github.com/tutorlink/tui/internal/auth"
	"github.com/tutorlink/tui/internal/bus"
	"github.com/tutorlink/tui/internal/cache"
	"github.com/tutorlink/tui/internal/client"
	"github.com/tutorlink/tui/internal/config"
	"github.com/tutorlink/tui/internal/logging"
	"github.com/tutorlink/tui/internal/recording"
	"github.com/tutorlink/tui/internal/session"
	"github.com/tutorlink/tui/internal/transition"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to config file")
	baseURL := flag.String("url", "", "Override the API base URL")
	token := flag.String("token", "", "Store this auth token before starting")
	role := flag.String("role", "", "Override the user role (student or teacher)")
	flag.Parse()

	if err := run(*configPath, *baseURL, *token, *role); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, baseURL, token, role string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if baseURL != "" {
		cfg.API.BaseURL = baseURL
	}
	if role != "" {
		cfg.User.Role = role
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, logFile, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logFile.Close()

	tokens := auth.NewFileStore(cfg.Auth.TokenFile)
	if token != "" {
		if err := tokens.SetToken(context.Background(), token); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
	}

	api := client.NewHTTPClient(cfg.API.BaseURL, cfg.API.Timeout, log)
	store := session.NewStore(api, log)
	if cfg.Cache.Enabled {
		snapshots, err := cache.Open(cfg.Cache.Path)
		if err != nil {
			log.WithError(err).Warn("session cache unavailable")
		} else {
			defer snapshots.Close()
			store.SetPersister(snapshots)
			if err := store.Restore(cfg.Role()); err != nil {
				log.WithError(err).Warn("restore cached sessions")
			}
		}
	}

	notifications := bus.New(log)

	var prompt *recording.PromptPermission
	var permission recording.Permission
	switch cfg.Microphone() {
	case recording.Allowed:
		permission = recording.StaticPermission(true)
	case recording.Refused:
		permission = recording.StaticPermission(false)
	default:
		prompt = recording.NewPromptPermission(recording.Undetermined)
		permission = prompt
	}

	if err := os.MkdirAll(cfg.Recording.Dir, 0o700); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}
	coordinator := recording.NewCoordinator(recording.Deps{
		Permission: permission,
		Capturer: recording.CommandCapturer{
			Command:   cfg.Recording.Command,
			Args:      cfg.Recording.Args,
			StopGrace: cfg.Recording.StopGrace,
		},
		Uploader: api,
		Tokens:   tokens,
		Dir:      cfg.Recording.Dir,
		Log:      log,
	})

	transitions := transition.New(transition.Deps{
		API:      api,
		Tokens:   tokens,
		Store:    store,
		Bus:      notifications,
		Recorder: coordinator,
		Role:     cfg.Role(),
		Log:      log,
	})
	coordinator.SetGuard(transitions.Recordable)

	eventsURL := cfg.API.EventsURL
	if eventsURL == "" {
		eventsURL = client.EventsURL(api.BaseURL())
	}
	feed := client.NewEventFeed(eventsURL, tokens, log)

	m := app.New(app.Deps{
		Store:       store,
		Bus:         notifications,
		Tokens:      tokens,
		Transitions: transitions,
		Recorder:    coordinator,
		Prompt:      prompt,
		Feed:        feed,
		Role:        cfg.Role(),
		Log:         log,
	})
	p := tea.NewProgram(m, tea.WithAltScreen())
	m.Attach(p.Send)

	log.WithFields(logrus.Fields{
		"base_url": api.BaseURL(),
		"role":     cfg.Role(),
	}).Info("starting")
	_, runErr := p.Run()
	m.Close()

	finishRecording(coordinator, cfg.API.Timeout+cfg.Recording.StopGrace, log)
	return runErr
}

// finishRecording stops a running capture and waits for any upload still in
// flight, so no recorder process or half-sent file is left behind.
func finishRecording(coordinator *recording.Coordinator, timeout time.Duration, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := coordinator.Stop(ctx); err != nil && !errors.Is(err, recording.ErrNotRecording) {
		log.WithError(err).Warn("stop recording on exit")
		fmt.Fprintf(os.Stderr, "%s\n", app.AlertText(err))
	}
	if err := coordinator.WaitIdle(ctx); err != nil {
		log.WithError(err).Warn("upload still running on exit")
		fmt.Fprintln(os.Stderr, "The recording upload did not finish before exit.")
	}
}
