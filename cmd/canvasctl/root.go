package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"canvas/api/internal/auth"
	"canvas/api/internal/canvas"
	"canvas/api/internal/channel"
	"canvas/api/internal/config"
	"canvas/api/internal/docstore"
	"canvas/api/internal/session"

	"github.com/spf13/cobra"
)

var (
	cfg         config.Config
	apiURL      string
	token       string
	redisURL    string
	userName    string
	waitTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "canvasctl",
	Short: "Inspect and edit collaborative canvases from the terminal",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !cmd.Flags().Changed("api") {
			apiURL = cfg.APIURL
		}
		if !cmd.Flags().Changed("token") {
			token = cfg.Token
		}
		if !cmd.Flags().Changed("redis") {
			redisURL = cfg.RedisURL
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cfg = config.Load()
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", cfg.APIURL, "Canvas API base URL (CANVAS_API_URL)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Access token (CANVAS_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", cfg.RedisURL, "Redis URL of the realtime channel (REDIS_URL)")
	rootCmd.PersistentFlags().StringVar(&userName, "name", "", "Display name override for presence")
	rootCmd.PersistentFlags().DurationVar(&waitTimeout, "wait", 10*time.Second, "How long to wait for the channel to subscribe")
}

// identity derives the presence identity from the access token. The
// signature is not checked here; the API does that on every request.
func identity() (session.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return session.Identity{}, errors.New("an access token is required (use --token or CANVAS_TOKEN)")
	}
	claims, err := auth.DecodeClaims(token)
	if err != nil {
		return session.Identity{}, fmt.Errorf("read token: %w", err)
	}
	name := claims.Name
	if userName != "" {
		name = userName
	}
	return session.Identity{
		UserID:      claims.Sub,
		DisplayName: name,
		Email:       claims.Email,
		AvatarURL:   claims.Avatar,
	}, nil
}

type openSession struct {
	controller *session.Controller
	hub        *channel.Hub
	done       chan error
	cancel     context.CancelFunc
}

// openCanvas loads documentID, subscribes to its channel and runs the
// controller in the background.
func openCanvas(ctx context.Context, documentID string, onMerge func(*session.Controller)) (*openSession, error) {
	id, err := identity()
	if err != nil {
		return nil, err
	}
	hub, err := channel.NewHub(redisURL, channel.Options{
		SubscribeTimeout: cfg.SubscribeTimeout,
		PresenceTTL:      cfg.PresenceTTL,
	})
	if err != nil {
		return nil, err
	}

	opened := &openSession{hub: hub, done: make(chan error, 1)}
	opts := session.Options{
		DocumentID:     documentID,
		Store:          docstore.New(apiURL, token),
		Channel:        hub,
		Identity:       id,
		CursorInterval: cfg.CursorInterval,
	}
	if onMerge != nil {
		opts.OnMerge = func(nodes []canvas.Node, edges []canvas.Edge) {
			onMerge(opened.controller)
		}
	}
	controller, err := session.Open(ctx, opts)
	if err != nil {
		_ = hub.Close()
		return nil, err
	}
	opened.controller = controller

	runCtx, cancel := context.WithCancel(ctx)
	opened.cancel = cancel
	go func() { opened.done <- controller.Run(runCtx) }()
	return opened, nil
}

// waitSubscribed blocks until the controller reaches SUBSCRIBED or a
// terminal status.
func (o *openSession) waitSubscribed(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		status := o.controller.Status()
		if status == channel.StatusSubscribed {
			return nil
		}
		if status.Terminal() {
			return fmt.Errorf("channel %s", strings.ToLower(string(status)))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for channel: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (o *openSession) Close() {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.controller.Close(closeCtx); err != nil {
		fmt.Fprintf(os.Stderr, "close session: %v\n", err)
	}
	o.cancel()
	// Untrack is published synchronously, so the hub can go once Close returns.
	_ = o.hub.Close()
}
