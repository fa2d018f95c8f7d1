package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/meow-io/go-hush"
	"github.com/meow-io/go-hush/config"
	"github.com/spf13/cobra"
)

const passwordEnv = "HUSH_PASSWORD"

type options struct {
	configPath string
	root       string
	user       string
	backend    string
}

func (o *options) config() (*config.Config, error) {
	var opts []config.Option
	if o.root != "" {
		opts = append(opts, config.WithRootDir(o.root))
	}
	if o.user != "" {
		opts = append(opts, config.WithUserID(o.user))
	}
	if o.backend != "" {
		opts = append(opts, config.WithBackendURL(o.backend))
	}
	if o.configPath == "" {
		return config.NewConfig(opts...), nil
	}
	return config.LoadFile(o.configPath, opts...)
}

// withClient opens the client, runs f and shuts the client down.
func (o *options) withClient(cmd *cobra.Command, f func(ctx context.Context, h *hush.Client) error) error {
	password := os.Getenv(passwordEnv)
	if password == "" {
		return fmt.Errorf("%s must be set", passwordEnv)
	}
	c, err := o.config()
	if err != nil {
		return err
	}
	h, err := hush.New(c, nil)
	if err != nil {
		return err
	}
	if err := h.Open(password); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(c.RequestTimeoutMs)*time.Millisecond*4)
	defer cancel()
	return errors.Join(f(ctx, h), h.Shutdown())
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:          "hushkeys",
		Short:        "Manage the identity and prekeys of a hush device",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVar(&o.root, "root", "", "data directory")
	root.PersistentFlags().StringVar(&o.user, "user", "", "user id")
	root.PersistentFlags().StringVar(&o.backend, "backend", "", "relay base URL")

	root.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Create the identity and prekeys and publish them",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.withClient(cmd, func(ctx context.Context, h *hush.Client) error {
					if err := h.Register(ctx); err != nil {
						return err
					}
					fp, err := h.Fingerprint()
					if err != nil {
						return err
					}
					cmd.Printf("Registered, fingerprint %s\n", fp)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rotate-prekey",
			Short: "Replace the signed prekey and publish it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.withClient(cmd, func(ctx context.Context, h *hush.Client) error {
					if err := h.RotatePrekey(ctx); err != nil {
						return err
					}
					cmd.Println("Rotated signed prekey")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "refill",
			Short: "Top up the one-time prekey pool and publish it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.withClient(cmd, func(ctx context.Context, h *hush.Client) error {
					added, err := h.RefillOneTimePrekeys(ctx)
					if err != nil {
						return err
					}
					cmd.Printf("Added %d one-time prekeys\n", added)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "fingerprint",
			Short: "Print the identity fingerprint",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.withClient(cmd, func(_ context.Context, h *hush.Client) error {
					fp, err := h.Fingerprint()
					if err != nil {
						return err
					}
					cmd.Println(fp)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "publish",
			Short: "Publish the current public keys to the relay",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.withClient(cmd, func(ctx context.Context, h *hush.Client) error {
					if err := h.PublishKeys(ctx); err != nil {
						return err
					}
					cmd.Println("Published keys")
					return nil
				})
			},
		},
	)
	return root
}
