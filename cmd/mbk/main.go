// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// mbk backs up mailboxes to encrypted, deduplicated storage and restores
// them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmp/mbk/archive"
	"github.com/mmp/mbk/config"
	"github.com/mmp/mbk/storage"
	u "github.com/mmp/mbk/util"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var log *u.Logger

var (
	configPath string
	verbose    bool
	debug      bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mbk",
		Short:         "Encrypted, deduplicating mailbox backups",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log = u.NewLogger(verbose, debug)
			storage.SetLogger(log)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml",
		"configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "report progress")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "report everything")

	root.AddCommand(newRunCommand(), newBackupCommand(), newRestoreCommand(),
		newVerifyCommand(), newMountCommand(), newFsckCommand())
	return root
}

// session is what every command needs: the configuration and an open
// store.
type session struct {
	ctx    context.Context
	config *config.Config
	store  storage.BlobStore
	close  func() error
	cancel context.CancelFunc
}

func openSession() (*session, error) {
	c, err := config.Load(nil, configPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	store, closer, err := c.OpenStore(ctx, log)
	if err != nil {
		cancel()
		return nil, err
	}
	return &session{ctx: ctx, config: c, store: store, close: closer, cancel: cancel}, nil
}

func (s *session) Close() {
	storage.LogStats(s.store)
	if err := s.close(); err != nil {
		log.Error("%s: %s", s.store, err)
	}
	s.cancel()
}

// forEachAccount calls f for each selected account, reporting any
// errors. It returns an error if any of the calls failed.
func (s *session) forEachAccount(addresses []string,
	f func(a *archive.Archive, acct config.Account) error) error {
	accts, err := s.config.Select(addresses)
	if err != nil {
		return err
	}

	failed := 0
	for _, acct := range accts {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		ns, err := acct.Namespace()
		if err != nil {
			return err
		}
		if err := f(archive.New(s.store, ns, log), acct); err != nil {
			log.Error("%s: %s", acct.EmailAddress, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed", failed, len(accts))
	}
	return nil
}

func runSession(f func(s *session) error) error {
	s, err := openSession()
	if err != nil {
		log.Error("%s", err)
		return err
	}
	defer s.Close()

	if err := f(s); err != nil {
		log.Error("%s", err)
		return err
	}
	return nil
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform the configuration file's action for every account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(func(s *session) error {
				switch s.config.Action {
				case "", config.ActionBackup:
					return backupAccounts(s, nil, 0)
				case config.ActionRestore:
					return restoreAccounts(s, nil, archive.RestoreOptions{})
				case config.ActionVerify:
					return verifyAccounts(s, nil, defaultReaders)
				default:
					return errors.Errorf("%s: unknown action", s.config.Action)
				}
			})
		},
	}
}

func newBackupCommand() *cobra.Command {
	var checkpoint int
	cmd := &cobra.Command{
		Use:   "backup [email_address...]",
		Short: "Back up new messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(func(s *session) error {
				return backupAccounts(s, args, checkpoint)
			})
		},
	}
	cmd.Flags().IntVar(&checkpoint, "checkpoint", 100,
		"store the manifest after this many uploads (0 for only at the end)")
	return cmd
}

func backupAccounts(s *session, addresses []string, checkpoint int) error {
	return s.forEachAccount(addresses, func(a *archive.Archive, acct config.Account) error {
		log.Print("%s: starting backup", acct.EmailAddress)
		stats, err := a.Backup(s.ctx, acct.Passphrase(), acct.Source(nil, log),
			archive.BackupOptions{CheckpointEvery: checkpoint})
		if err != nil {
			return err
		}
		log.Print("%s: %s", acct.EmailAddress, stats)
		return nil
	})
}

func newRestoreCommand() *cobra.Command {
	var opts archive.RestoreOptions
	var skip bool
	cmd := &cobra.Command{
		Use:   "restore [email_address...]",
		Short: "Restore archived messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if skip {
				opts.OnError = archive.SkipOnError
			}
			return runSession(func(s *session) error {
				return restoreAccounts(s, args, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Ordered, "ordered", false,
		"restore messages in the order they were backed up")
	cmd.Flags().BoolVar(&skip, "skip-errors", false,
		"keep going if a message can't be restored")
	return cmd
}

func restoreAccounts(s *session, addresses []string, opts archive.RestoreOptions) error {
	return s.forEachAccount(addresses, func(a *archive.Archive, acct config.Account) error {
		log.Print("%s: starting restore", acct.EmailAddress)
		stats, err := a.Restore(s.ctx, acct.Passphrase(), acct.Sink(nil, log), opts)
		if err != nil {
			return err
		}
		log.Print("%s: %s", acct.EmailAddress, stats)
		if stats.Failed > 0 {
			return errors.Errorf("%d messages couldn't be restored", stats.Failed)
		}
		return nil
	})
}

const defaultReaders = 8

func newVerifyCommand() *cobra.Command {
	var readers int
	cmd := &cobra.Command{
		Use:   "verify [email_address...]",
		Short: "Check that every archived message can be restored",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(func(s *session) error {
				return verifyAccounts(s, args, readers)
			})
		},
	}
	cmd.Flags().IntVar(&readers, "readers", defaultReaders, "number of concurrent fetches")
	return cmd
}

func verifyAccounts(s *session, addresses []string, readers int) error {
	return s.forEachAccount(addresses, func(a *archive.Archive, acct config.Account) error {
		rep, err := a.Verify(s.ctx, acct.Passphrase(), readers)
		if err != nil {
			return err
		}
		log.Print("%s: %s", acct.EmailAddress, rep)
		for _, name := range rep.Orphans {
			log.Verbose("%s: not in manifest", name)
		}
		if !rep.Healthy() {
			return errors.New("archive is damaged")
		}
		return nil
	})
}
