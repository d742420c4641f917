// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"github.com/mmp/mbk/config"
	"github.com/mmp/mbk/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// fsck checks the Reed-Solomon parity files of a disk store. Corrupt
// objects that can still be repaired are fixed the next time they're
// read, so it's mostly useful for finding out whether a restore would
// succeed without having to decrypt anything.
func newFsckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "Check the parity of every object in a disk store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(nil, configPath)
			if err != nil {
				log.Error("%s", err)
				return err
			}
			if kind, _ := c.StoreKind(); kind != config.StoreDisk {
				err := errors.Errorf("fsck only applies to disk stores, not %q", kind)
				log.Error("%s", err)
				return err
			}
			if !c.Disk.Parity {
				log.Warning("%s: parity isn't enabled; only objects stored with it will be checked",
					c.Disk.Dir)
			}

			d, err := storage.NewDisk(storage.DiskOptions{Dir: c.Disk.Dir, Parity: c.Disk.Parity})
			if err != nil {
				log.Error("%s", err)
				return err
			}
			if n := d.Fsck(); n > 0 {
				return errors.Errorf("%d corrupt objects", n)
			}
			log.Print("%s: ok", d)
			return nil
		},
	}
}
