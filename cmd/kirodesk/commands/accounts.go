package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/kirodesk/internal/app"
	"github.com/florianilch/kirodesk/internal/browser"
	"github.com/florianilch/kirodesk/internal/events"
	"github.com/florianilch/kirodesk/internal/session"
)

var errLoginFailed = errors.New("login failed")

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "sign in with Google, Github or BuilderId",
		ArgsUsage: "<provider>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-browser",
				Usage: "print the sign-in URL instead of opening a browser",
			},
			&cli.BoolFlag{
				Name:  "paste",
				Usage: "paste the callback URL by hand instead of waiting for the redirect",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "give up after this long",
				Value: app.DefaultConfigSessionTimeout,
			},
		},
		Action: loginAction,
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	providerName := cmd.Args().First()
	if providerName == "" {
		return errors.New("provider argument required (Google, Github or BuilderId)")
	}

	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)

	var launcher browser.Launcher = browser.NewSystem(browser.WithFallback(os.Stderr))
	if cmd.Bool("no-browser") {
		launcher = browser.Print{W: os.Stderr}
	}

	application, err := app.New(cfg, app.WithSystemBrowser(launcher))
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	sub := application.Events().Subscribe()
	defer sub.Close()

	// The loopback callback route must be served while the user signs in.
	runCtx, stop := context.WithCancel(ctx)
	var serverErr error
	serverDone := make(chan struct{})
	go func() {
		serverErr = application.Start(runCtx)
		close(serverDone)
	}()
	defer func() {
		stop()
		<-serverDone
	}()
	server := func() error {
		select {
		case <-serverDone:
			return fmt.Errorf("local callback server stopped: %w", serverErr)
		default:
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("wait"))
	defer cancel()

	out := cmd.Root().Writer
	manager := application.Manager()

	if cmd.Bool("paste") {
		if _, err := manager.Initiate(ctx, providerName); err != nil {
			return err
		}
		if err := server(); err != nil {
			return err
		}
		callbackURL, err := promptSecret("Paste the callback URL: ")
		if err != nil {
			return err
		}
		result, err := manager.Complete(ctx, callbackURL)
		if err != nil {
			return err
		}
		return printLoginResult(out, result)
	}

	if err := manager.LegacyLogin(ctx, providerName); err != nil {
		return err
	}
	return awaitLogin(ctx, out, sub, serverDone, server)
}

// awaitLogin relays login progress from the event stream until the login resolves.
func awaitLogin(ctx context.Context, out io.Writer, sub *events.Subscription, serverDone <-chan struct{}, serverErr func() error) error {
	for {
		select {
		case <-serverDone:
			return serverErr()
		case <-ctx.Done():
			return fmt.Errorf("waiting for sign-in: %w", ctx.Err())
		case ev, ok := <-sub.Events():
			if !ok {
				return errors.New("event bus closed before sign-in finished")
			}
			switch ev.Name {
			case events.DeviceCode:
				var dc session.DeviceCode
				if err := json.Unmarshal(ev.Payload, &dc); err != nil {
					return fmt.Errorf("decoding device code: %w", err)
				}
				fmt.Fprintf(os.Stderr, "Open %s and enter the code %s\n", dc.VerificationURI, dc.UserCode)
			case events.LoginSuccess:
				var result session.LoginResult
				if err := json.Unmarshal(ev.Payload, &result); err != nil {
					return fmt.Errorf("decoding login result: %w", err)
				}
				return printLoginResult(out, result)
			case events.LoginFailed:
				var failure session.LoginFailure
				if err := json.Unmarshal(ev.Payload, &failure); err != nil {
					return fmt.Errorf("decoding login failure: %w", err)
				}
				return fmt.Errorf("%w: %s (%s)", errLoginFailed, failure.Error, failure.Kind)
			}
		}
	}
}

func printLoginResult(w io.Writer, result session.LoginResult) error {
	who := result.Email
	if who == "" {
		who = result.DisplayName
	}
	_, err := fmt.Fprintf(w, "%s: signed in to %s as %s (account %s)\n", result.Message, result.Provider, who, result.AccountID)
	return err
}

// promptSecret reads one line from the terminal without echo, or from stdin when it is
// not a terminal.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading callback URL: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading callback URL: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// withManager runs fn against an in-process session manager without the RPC server.
func withManager(ctx context.Context, cmd *cli.Command, fn func(*session.Manager) error) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		_ = application.Close(closeCtx)
	}()

	return fn(application.Manager())
}

func accountArg(cmd *cli.Command) (string, error) {
	id := cmd.Args().First()
	if id == "" {
		return "", errors.New("account id argument required (see kirodesk accounts)")
	}
	return id, nil
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:      "refresh",
		Usage:     "refresh the tokens of a stored account and print them",
		ArgsUsage: "<account-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := accountArg(cmd)
			if err != nil {
				return err
			}
			return withManager(ctx, cmd, func(m *session.Manager) error {
				tok, err := m.Refresh(ctx, id)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.Root().Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(tok)
			})
		},
	}
}

func accountsCommand() *cli.Command {
	return &cli.Command{
		Name:  "accounts",
		Usage: "list stored accounts",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withManager(ctx, cmd, func(m *session.Manager) error {
				accounts, err := m.Accounts(ctx)
				if err != nil {
					return err
				}
				return printAccounts(cmd.Root().Writer, accounts, time.Now())
			})
		},
	}
}

func printAccounts(w io.Writer, accounts []session.AccountSummary, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tEMAIL\tEXPIRES\tREFRESHABLE")
	for _, a := range accounts {
		expires := "-"
		if !a.ExpiresAt.IsZero() {
			expires = a.ExpiresAt.Sub(now).Round(time.Second).String()
			if a.ExpiresAt.Before(now) {
				expires = "expired"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", a.ID, a.Provider, a.Email, expires, a.HasRefreshToken)
	}
	return tw.Flush()
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:      "logout",
		Usage:     "delete a stored account",
		ArgsUsage: "<account-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := accountArg(cmd)
			if err != nil {
				return err
			}
			return withManager(ctx, cmd, func(m *session.Manager) error {
				return m.Logout(ctx, id)
			})
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "print a valid access token for a stored account, refreshing it if needed",
		ArgsUsage: "<account-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := accountArg(cmd)
			if err != nil {
				return err
			}
			return withManager(ctx, cmd, func(m *session.Manager) error {
				ts, err := app.NewAccountTokenSource(m, id)
				if err != nil {
					return err
				}
				tok, err := ts.Token()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.Root().Writer, tok.AccessToken)
				return err
			})
		},
	}
}
