package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/urfave/cli/v2"

	"calsync/internal/conflict"
	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/trigger"
)

func main() {
	app := &cli.App{
		Name:  "calsync",
		Usage: "Keep internal calendar events in sync with Google, Outlook and iCloud calendars.",
		Commands: []*cli.Command{
			connectCommand(),
			disconnectCommand(),
			syncCommand(),
			watchCommand(),
			serveCommand(),
			historyCommand(),
			conflictsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "calsync:", err)
		os.Exit(1)
	}
}

var userFlag = &cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Internal user id.", Required: true}

var providerFlag = &cli.StringFlag{Name: "provider", Aliases: []string{"p"}, Usage: "Provider: google, outlook or apple.", Required: true}

func parseProvider(c *cli.Context) (models.Provider, error) {
	p := models.Provider(strings.ToLower(c.String("provider")))
	if !p.Valid() {
		return "", fmt.Errorf("unsupported provider %q", c.String("provider"))
	}
	return p, nil
}

// withApp wires the components and runs fn, closing them afterwards.
func withApp(fn func(c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := newApp(c.Context)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(c, a)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Connect a user's calendar account.",
		Flags: []cli.Flag{
			userFlag,
			providerFlag,
			&cli.StringFlag{Name: "url", Usage: "CalDAV server URL (apple).", Value: "https://caldav.icloud.com"},
			&cli.StringFlag{Name: "username", Usage: "Apple ID (apple)."},
			&cli.StringFlag{Name: "password", Usage: "App-specific password (apple).", EnvVars: []string{"ICLOUD_APP_PASSWORD"}},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			p, err := parseProvider(c)
			if err != nil {
				return err
			}
			userID := c.String("user")

			if p == models.ProviderApple {
				if c.String("username") == "" || c.String("password") == "" {
					return fmt.Errorf("apple requires --username and --password")
				}
				in, err := a.creds.ConnectCalDAV(c.Context, userID, c.String("url"), c.String("username"), c.String("password"))
				if err != nil {
					return err
				}
				a.logger.Infow("Connected calendar account.", "provider", p, "user", userID, "integration", in.ID)
				return nil
			}

			authURL, err := a.creds.AuthCodeURL(p, uuid.NewString())
			if err != nil {
				return err
			}
			fmt.Printf("Go to the following link in your browser then type the authorization code:\n%v\n", authURL)
			fmt.Print("Enter Authorization Code: ")
			code, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			code = strings.TrimSpace(code)
			if code == "" {
				return fmt.Errorf("no authorization code entered")
			}

			in, err := a.creds.Exchange(c.Context, userID, p, code)
			if err != nil {
				return err
			}
			a.logger.Infow("Connected calendar account.", "provider", p, "user", userID, "integration", in.ID)
			return nil
		}),
	}
}

func disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Deactivate a user's calendar account.",
		Flags: []cli.Flag{userFlag, providerFlag},
		Action: withApp(func(c *cli.Context, a *app) error {
			p, err := parseProvider(c)
			if err != nil {
				return err
			}
			if err := a.creds.Disconnect(c.Context, c.String("user"), p); err != nil {
				return err
			}
			a.logger.Infow("Disconnected calendar account.", "provider", p, "user", c.String("user"))
			return nil
		}),
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one sync between the internal store and a provider calendar.",
		Flags: []cli.Flag{
			userFlag,
			providerFlag,
			&cli.StringFlag{Name: "direction", Aliases: []string{"d"}, Usage: "push, pull or bidirectional.", Value: string(models.DirectionBidirectional)},
			&cli.StringFlag{Name: "calendar", Usage: "Provider calendar id; the primary calendar when empty."},
			&cli.StringFlag{Name: "calendar-type", Usage: "Restrict the run to one internal calendar type."},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			p, err := parseProvider(c)
			if err != nil {
				return err
			}
			opts := models.SyncOptions{
				Provider:           p,
				UserID:             c.String("user"),
				Direction:          models.Direction(c.String("direction")),
				ExternalCalendarID: c.String("calendar"),
				SyncType:           models.SyncTypeManual,
			}
			if ct := c.String("calendar-type"); ct != "" {
				opts.CalendarTypeID = &ct
			}

			result, err := a.syncer.SyncCalendar(c.Context, opts)
			if result != nil {
				if perr := printJSON(result); perr != nil {
					return perr
				}
			}
			return err
		}),
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Subscribe to provider change notifications for a user's calendar.",
		Flags: []cli.Flag{
			userFlag,
			providerFlag,
			&cli.StringFlag{Name: "calendar", Usage: "Provider calendar id; the primary calendar when empty."},
			&cli.DurationFlag{Name: "ttl", Usage: "Requested subscription lifetime.", Value: 72 * time.Hour},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			p, err := parseProvider(c)
			if err != nil {
				return err
			}
			if a.cfg.WebhookBaseURL == "" {
				return fmt.Errorf("WEBHOOK_BASE_URL must be set to subscribe to notifications")
			}
			userID := c.String("user")

			creds, err := a.creds.Get(c.Context, userID, p)
			if err != nil {
				return err
			}
			if creds, err = a.creds.EnsureFresh(c.Context, creds); err != nil {
				return err
			}
			client, err := a.registry.Connect(c.Context, creds)
			if err != nil {
				return err
			}
			watcher, ok := provider.AsWatcher(client)
			if !ok {
				return fmt.Errorf("%s does not support change notifications", p)
			}

			calendar := c.String("calendar")
			if calendar == "" {
				cals, err := client.ListCalendars(c.Context)
				if err != nil {
					return err
				}
				picked, ok := provider.PickCalendar(cals)
				if !ok {
					return fmt.Errorf("no writable %s calendar found", p)
				}
				calendar = picked.ID
			}

			sub, err := watcher.Watch(c.Context, calendar, provider.WatchRequest{
				ID:      uuid.NewString(),
				Address: strings.TrimRight(a.cfg.WebhookBaseURL, "/") + "/webhooks/" + string(p),
				Token:   userID,
				TTL:     c.Duration("ttl"),
			})
			if err != nil {
				return err
			}
			return printJSON(sub)
		}),
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve webhook and manual sync endpoints and run scheduled syncs.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address; HTTP_ADDR when empty."},
			&cli.BoolFlag{Name: "no-schedule", Usage: "Disable scheduled syncs."},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			addr := c.String("addr")
			if addr == "" {
				addr = a.cfg.HTTPAddr
			}

			handlers := trigger.NewHandlers(ctx, a.logger, a.syncer, a.store)
			router := mux.NewRouter()
			handlers.Routes(router)

			if !c.Bool("no-schedule") {
				scheduler, err := trigger.NewScheduler(ctx, a.logger, a.store, a.syncer, a.cfg.SyncSchedule)
				if err != nil {
					return err
				}
				scheduler.Start()
				defer scheduler.Stop()
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Infow("Listening.", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
				a.logger.Infow("Shutting down.")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					a.logger.Warnw("Graceful shutdown failed.", "error", err)
				}
			}
			handlers.Wait()
			return nil
		}),
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List a user's recent sync runs, newest first.",
		Flags: []cli.Flag{
			userFlag,
			&cli.IntFlag{Name: "limit", Usage: "Maximum number of runs.", Value: 20},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			runs, err := a.store.ListRuns(c.Context, c.String("user"), c.Int("limit"))
			if err != nil {
				return err
			}
			return printJSON(runs)
		}),
	}
}

func conflictsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conflicts",
		Usage: "Inspect and resolve sync conflicts.",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List a user's conflicts.",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "status", Usage: "pending or resolved.", Value: string(models.ResolutionPending)},
				},
				Action: withApp(func(c *cli.Context, a *app) error {
					list, err := a.store.ListConflicts(c.Context, c.String("user"), models.ResolutionStatus(c.String("status")))
					if err != nil {
						return err
					}
					return printJSON(list)
				}),
			},
			{
				Name:      "resolve",
				Usage:     "Resolve a pending conflict.",
				ArgsUsage: "<conflict-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "take", Usage: "external_wins or local_wins.", Required: true},
				},
				Action: withApp(func(c *cli.Context, a *app) error {
					id := c.Args().First()
					if id == "" {
						return fmt.Errorf("conflict id is required")
					}
					if err := a.resolver.Resolve(c.Context, id, conflict.Resolution(c.String("take"))); err != nil {
						return err
					}
					a.logger.Infow("Resolved conflict.", "conflict", id, "resolution", c.String("take"))
					return nil
				}),
			},
		},
	}
}
