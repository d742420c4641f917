// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads mbk's TOML configuration file and turns it into
// the stores, sources, and sinks that the archive package operates on.
package config

import (
	"context"
	"os"
	"strings"

	"github.com/mmp/mbk/archive"
	"github.com/mmp/mbk/layout"
	"github.com/mmp/mbk/mailbox"
	"github.com/mmp/mbk/storage"
	u "github.com/mmp/mbk/util"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ErrConfiguration is matched by every error describing a problem with
// the configuration file.
var ErrConfiguration = errors.New("invalid configuration")

// PassphraseEnv, if set, overrides the encryption password of every
// account.
const PassphraseEnv = "MBK_PASSPHRASE"

var getenv = os.Getenv

const (
	ActionBackup  = "backup"
	ActionRestore = "restore"
	ActionVerify  = "verify"
)

const (
	StoreS3     = "s3"
	StoreGCS    = "gcs"
	StoreDisk   = "disk"
	StoreSQL    = "sql"
	StoreMemory = "memory"
)

type Config struct {
	Action string `toml:"action"`
	// Which of the store tables to use; optional if only one is given.
	Store string `toml:"store"`
	// Overrides the store's max_upload_rate, if set. Rates are sizes per
	// second, e.g. "10MB" or "1.5GB/s"; "0" or "" means unlimited.
	MaxUploadRate string `toml:"max_upload_rate"`

	S3   S3Config   `toml:"s3"`
	GCS  GCSConfig  `toml:"gcs"`
	Disk DiskConfig `toml:"disk"`
	SQL  SQLConfig  `toml:"sql"`

	Accounts []Account `toml:"email_accounts"`
}

type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Key            string `toml:"key"`
	Secret         string `toml:"secret"`
	BucketName     string `toml:"bucket_name"`
	Region         string `toml:"region"`
	ForcePathStyle bool   `toml:"force_path_style"`
	MaxUploadRate  string `toml:"max_upload_rate"`
}

type GCSConfig struct {
	BucketName      string `toml:"bucket_name"`
	ProjectID       string `toml:"project_id"`
	Location        string `toml:"location"`
	CredentialsFile string `toml:"credentials_file"`
	StorageClass    string `toml:"storage_class"`
	MaxUploadRate   string `toml:"max_upload_rate"`
}

type DiskConfig struct {
	Dir    string `toml:"dir"`
	Parity bool   `toml:"parity"`
}

type SQLConfig struct {
	// "sqlite3" or "postgres".
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// Account describes one mailbox to back up and where it's read from and
// restored to. Messages are read from Maildir or Mbox if one is given,
// and from the IMAP server's INBOX otherwise.
type Account struct {
	EmailAddress       string `toml:"email_address"`
	Password           string `toml:"password"`
	IMAPServer         string `toml:"imap_server"`
	EncryptionPassword string `toml:"encryption_password"`
	Maildir            string `toml:"maildir"`
	Mbox               string `toml:"mbox"`
	// Where restored messages go: a directory, or an mbox file if it ends
	// in ".mbox". If empty, they go wherever backups are read from.
	RestoreTo string `toml:"restore_to"`
}

// Load reads and validates the configuration file at path.
func Load(fs afero.Fs, path string) (*Config, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b)
	return c, errors.Wrap(err, path)
}

// Parse decodes and validates a configuration.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrap(ErrConfiguration, err.Error())
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func invalid(f string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, f, args...)
}

func (c *Config) Validate() error {
	switch c.Action {
	case "", ActionBackup, ActionRestore, ActionVerify:
	default:
		return invalid("action %q: must be backup, restore, or verify", c.Action)
	}

	if _, err := c.StoreKind(); err != nil {
		return err
	}
	if _, err := c.UploadRate(); err != nil {
		return err
	}

	if len(c.Accounts) == 0 {
		return invalid("no email_accounts given")
	}
	seen := make(map[layout.Namespace]bool)
	for _, a := range c.Accounts {
		if err := a.Validate(); err != nil {
			return err
		}
		ns, _ := a.Namespace()
		if seen[ns] {
			return invalid("%s: account given multiple times", a.EmailAddress)
		}
		seen[ns] = true
	}
	return nil
}

// StoreKind returns which store the configuration uses.
func (c *Config) StoreKind() (string, error) {
	var given []string
	if c.S3.BucketName != "" {
		given = append(given, StoreS3)
	}
	if c.GCS.BucketName != "" {
		given = append(given, StoreGCS)
	}
	if c.Disk.Dir != "" {
		given = append(given, StoreDisk)
	}
	if c.SQL.DSN != "" {
		given = append(given, StoreSQL)
	}

	switch {
	case c.Store == StoreMemory:
		return StoreMemory, nil
	case c.Store != "":
		for _, g := range given {
			if g == c.Store {
				return g, nil
			}
		}
		return "", invalid("store %q: no [%s] table with a bucket, dir, or dsn", c.Store, c.Store)
	case len(given) == 1:
		return given[0], nil
	case len(given) == 0:
		return "", invalid("no store given; add an [s3], [gcs], [disk], or [sql] table")
	default:
		return "", invalid("multiple stores given (%s); use store = ... to pick one",
			strings.Join(given, ", "))
	}
}

// UploadRate returns the maximum upload rate in bytes per second, or 0
// if uploads aren't limited.
func (c *Config) UploadRate() (int64, error) {
	s := c.MaxUploadRate
	if s == "" {
		kind, _ := c.StoreKind()
		switch kind {
		case StoreS3:
			s = c.S3.MaxUploadRate
		case StoreGCS:
			s = c.GCS.MaxUploadRate
		}
	}
	r, err := u.ParseRate(s)
	if err != nil {
		return 0, invalid("max_upload_rate: %s", err)
	}
	return r, nil
}

// OpenStore opens the configured store, limiting its upload rate if
// requested. The returned function releases the store's resources.
func (c *Config) OpenStore(ctx context.Context, log *u.Logger) (storage.BlobStore, func() error, error) {
	kind, err := c.StoreKind()
	if err != nil {
		return nil, nil, err
	}
	rate, err := c.UploadRate()
	if err != nil {
		return nil, nil, err
	}

	noop := func() error { return nil }
	var store storage.BlobStore
	closer := noop
	switch kind {
	case StoreS3:
		store, err = storage.NewS3(storage.S3Options{
			Endpoint:       c.S3.Endpoint,
			Region:         c.S3.Region,
			AccessKey:      c.S3.Key,
			SecretKey:      c.S3.Secret,
			Bucket:         c.S3.BucketName,
			ForcePathStyle: c.S3.ForcePathStyle,
		})
	case StoreGCS:
		store, err = storage.NewGCS(ctx, storage.GCSOptions{
			BucketName:      c.GCS.BucketName,
			ProjectId:       c.GCS.ProjectID,
			Location:        c.GCS.Location,
			CredentialsFile: c.GCS.CredentialsFile,
			StorageClass:    c.GCS.StorageClass,
		})
	case StoreDisk:
		store, err = storage.NewDisk(storage.DiskOptions{Dir: c.Disk.Dir, Parity: c.Disk.Parity})
	case StoreSQL:
		var s *storage.SQL
		switch c.SQL.Driver {
		case "", "sqlite3", "sqlite":
			s, err = storage.NewSQLite(ctx, c.SQL.DSN)
		case "postgres":
			s, err = storage.NewPostgres(ctx, c.SQL.DSN)
		default:
			err = invalid("sql driver %q: must be sqlite3 or postgres", c.SQL.Driver)
		}
		if err == nil {
			store, closer = s, s.Close
		}
	case StoreMemory:
		store = storage.NewMemory()
	}
	if err != nil {
		return nil, nil, err
	}

	if rate > 0 {
		log.Verbose("%s: limiting uploads to %s/s", store, u.FmtBytes(rate))
		store = storage.NewRateLimited(store, rate)
	}
	return store, closer, nil
}

// Select returns the accounts with the given e-mail addresses, or all of
// them if none are given.
func (c *Config) Select(addresses []string) ([]Account, error) {
	if len(addresses) == 0 {
		return c.Accounts, nil
	}
	var accts []Account
	for _, addr := range addresses {
		found := false
		for _, a := range c.Accounts {
			if strings.EqualFold(a.EmailAddress, addr) {
				accts = append(accts, a)
				found = true
				break
			}
		}
		if !found {
			return nil, invalid("%s: no such account", addr)
		}
	}
	return accts, nil
}

func (a Account) Validate() error {
	if a.EmailAddress == "" {
		return invalid("account without email_address")
	}
	if _, err := a.Namespace(); err != nil {
		return invalid("%s", err)
	}
	if a.Passphrase() == "" {
		return invalid("%s: no encryption_password given and %s isn't set",
			a.EmailAddress, PassphraseEnv)
	}
	if a.Maildir != "" && a.Mbox != "" {
		return invalid("%s: only one of maildir and mbox may be given", a.EmailAddress)
	}
	if a.Maildir == "" && a.Mbox == "" && a.IMAPServer == "" {
		return invalid("%s: one of imap_server, maildir, or mbox is required", a.EmailAddress)
	}
	return nil
}

func (a Account) Namespace() (layout.Namespace, error) {
	return layout.ForAccount(a.EmailAddress)
}

// Passphrase returns the account's encryption password, or the value of
// MBK_PASSPHRASE if that's set.
func (a Account) Passphrase() string {
	if p := getenv(PassphraseEnv); p != "" {
		return p
	}
	return a.EncryptionPassword
}

func (a Account) imap(log *u.Logger) mailbox.IMAPAccount {
	return mailbox.IMAPAccount{
		Server:   a.IMAPServer,
		User:     a.EmailAddress,
		Password: a.Password,
		Log:      log,
	}
}

// Source returns where the account's messages are backed up from.
func (a Account) Source(fs afero.Fs, log *u.Logger) archive.Source {
	switch {
	case a.Maildir != "":
		return mailbox.NewDirSource(fs, a.Maildir)
	case a.Mbox != "":
		return mailbox.NewMboxSource(fs, a.Mbox)
	default:
		return mailbox.NewIMAPSource(a.imap(log))
	}
}

// Sink returns where the account's messages are restored to.
func (a Account) Sink(fs afero.Fs, log *u.Logger) archive.Sink {
	switch {
	case strings.HasSuffix(a.RestoreTo, ".mbox"):
		return mailbox.NewMboxSink(fs, a.RestoreTo)
	case a.RestoreTo != "":
		return mailbox.NewDirSink(fs, a.RestoreTo)
	case a.Maildir != "":
		return mailbox.NewDirSink(fs, a.Maildir)
	case a.Mbox != "":
		return mailbox.NewMboxSink(fs, a.Mbox)
	default:
		return mailbox.NewIMAPSink(a.imap(log))
	}
}
