package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kenneth/secure-image-vault/internal/keys"
)

func newRotateKeysCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rotate-keys",
		Short: "Rotate the master key when due, or unconditionally with --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			pool, err := openDatabase(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			if pool == nil {
				return errors.New("database.dsn is not set; in-memory keys do not outlive this command")
			}
			defer pool.Close()

			manager, err := newKeyManager(cfg.Encryption, pool, newSecrets(cfg.Encryption.Secrets), logger, nil)
			if err != nil {
				return err
			}
			return rotateKeys(cmd.Context(), manager, force, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rotate even if the interval has not elapsed")
	return cmd
}

func rotateKeys(ctx context.Context, manager *keys.Manager, force bool, out io.Writer) error {
	if !force {
		due, err := manager.ShouldRotateKeys(ctx)
		if err != nil {
			return err
		}
		if !due {
			active, err := manager.ActiveVersion(ctx, manager.MasterKeyName())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "master key version %d is current, nothing to do\n", active)
			return nil
		}
	}

	km, err := manager.RotateKeys(ctx)
	if err != nil {
		return fmt.Errorf("rotate keys: %w", err)
	}
	fmt.Fprintf(out, "rotated %s to version %d (next rotation due %s)\n",
		km.Name, km.Version, km.RotationDeadline.Format(time.RFC3339))
	return nil
}
