package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/tokencache/internal/app"
	"github.com/haukened/tokencache/internal/domain"
	"github.com/haukened/tokencache/internal/store"
)

// withStore opens the configured cache for the duration of fn.
func (c *cli) withStore(fn func(*store.Store) error) error {
	st, closer, err := openStore(c.cfg, nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = closer() }()
	return fn(st)
}

// withReadStore is withStore for commands that only read.
func (c *cli) withReadStore(fn func(*store.Store) error) error {
	st, closer, err := openReadStore(c.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer() }()
	return fn(st)
}

func newGetCmd(c *cli) *cobra.Command {
	var def string
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the JSON value stored under key",
		Long:  "Print the JSON value stored under key, or the --default value (null when unset) if the key is absent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fallback json.RawMessage
			if def != "" {
				if !json.Valid([]byte(def)) {
					return fmt.Errorf("--default is not valid JSON")
				}
				fallback = json.RawMessage(def)
			}
			return c.withReadStore(func(st *store.Store) error {
				v, err := st.Get(args[0], fallback)
				if err != nil {
					return err
				}
				if v == nil {
					v = json.RawMessage("null")
				}
				return printJSON(c, v)
			})
		},
	}
	cmd.Flags().StringVar(&def, "default", "", "JSON value printed when the key is absent")
	return cmd
}

func newSetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <json>",
		Short: "Store a JSON value under key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("%w: value is not valid JSON", domain.ErrFormat)
			}
			return c.withStore(func(st *store.Store) error {
				return st.Set(args[0], json.RawMessage(args[1]))
			})
		},
	}
}

func newDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>",
		Aliases: []string{"rm"},
		Short:   "Remove key from the cache",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(st *store.Store) error {
				return st.Delete(args[0])
			})
		},
	}
}

func newKeysCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List cache keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withReadStore(func(st *store.Store) error {
				keys, err := st.Keys()
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(c.stdout, k)
				}
				return nil
			})
		},
	}
}

func newStatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Describe the cache files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withReadStore(func(st *store.Store) error {
				info, err := st.Stat()
				if err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "backend:   %s\n", c.cfg.Backend)
				fmt.Fprintf(c.stdout, "key file:  %s\n", c.cfg.KeyPath())
				fmt.Fprintf(c.stdout, "data:      %s\n", info.Path)
				if !info.Exists {
					fmt.Fprintln(c.stdout, "status:    empty (never written)")
					return nil
				}
				fmt.Fprintf(c.stdout, "entries:   %d\n", info.Entries)
				fmt.Fprintf(c.stdout, "sealed at: %s\n", info.SealedAt.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newRefreshCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <user-id>",
		Short: "Run the refresh_token grant for a cached user",
		Long:  "Exchange the cached refresh token of user-id for a new access token and store the result. Secrets are shortened in the output.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.ValidateOAuth(); err != nil {
				return &configError{err}
			}
			client, err := newAuthClient(c.cfg)
			if err != nil {
				return &configError{err}
			}
			return c.withStore(func(st *store.Store) error {
				svc := &app.Service{Cache: st, Auth: client, Clock: realClock{}, Skew: c.cfg.RefreshSkew}
				rec, err := svc.Refresh(cmd.Context(), args[0])
				if errors.Is(err, domain.ErrNotAuthenticated) {
					return fmt.Errorf("%w: no cached token for %q", domain.ErrKeyNotFound, args[0])
				}
				if err != nil {
					return err
				}
				out, err := json.Marshal(rec.Redacted())
				if err != nil {
					return err
				}
				return printJSON(c, out)
			})
		},
	}
}

func newCallCmd(c *cli) *cobra.Command {
	var sim bool
	cmd := &cobra.Command{
		Use:   "call <user-id> <path>",
		Short: "Call the resource API with a cached user's token",
		Long: `Send a GET request for path to the resource API with the cached access token
of user-id and copy the response body to stdout. The token is refreshed first
when it is due, and once more if the API answers 401. "{userid}" in path is
replaced by the escaped user id. Streaming endpoints run until interrupted.`,
		Example: `  tokencache call "auth0|alice" /users/{userid}/accounts
  tokencache call --sim "auth0|alice" "/data/quotes?symbols=AAPL"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := errors.Join(c.cfg.ValidateOAuth(), c.cfg.ValidateAPI()); err != nil {
				return &configError{err}
			}
			client, err := newAuthClient(c.cfg)
			if err != nil {
				return &configError{err}
			}
			api, err := newAPIClient(c.cfg)
			if err != nil {
				return &configError{err}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.withStore(func(st *store.Store) error {
				svc := &app.Service{Cache: st, Auth: client, API: api, Clock: realClock{}, Skew: c.cfg.RefreshSkew}
				resp, err := svc.CallAPI(ctx, args[0], domain.APIRequest{Path: args[1], Sim: sim})
				if errors.Is(err, domain.ErrNotAuthenticated) {
					return fmt.Errorf("%w: no cached token for %q", domain.ErrKeyNotFound, args[0])
				}
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				if _, err := io.Copy(c.stdout, resp.Body); err != nil && ctx.Err() == nil {
					return err
				}
				if resp.Status >= 400 {
					return fmt.Errorf("api returned %d", resp.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&sim, "sim", false, "send the request to the simulation API (sim_api_domain)")
	return cmd
}

// printJSON writes v indented, followed by a newline.
func printJSON(c *cli, v []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, v, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := c.stdout.Write(buf.Bytes())
	return err
}
